// Package configsource implements a read-only dispatchpool.Repository that
// syncs the dispatch pool roster from the config-source HTTP endpoint
// instead of a direct MongoDB connection, for router deployments that run
// without their own database access.
package configsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.fluxdispatch.dev/internal/platform/dispatchpool"
)

// ErrUnsupported is returned by the read-only methods this client does not
// implement. Only FindAllEnabled is exercised by the router's config sync
// loop; the rest of dispatchpool.Repository exists to satisfy the interface.
var ErrUnsupported = errors.New("configsource: operation not supported by the HTTP-backed pool config client")

type poolConfigView struct {
	Code            string `json:"code"`
	Concurrency     int    `json:"concurrency"`
	QueueCapacity   int    `json:"queueCapacity"`
	RateLimitPerMin *int   `json:"rateLimitPerMin,omitempty"`
}

// Client polls a remote config-source endpoint for the enabled dispatch pool
// roster. It satisfies dispatchpool.Repository so it can be passed directly
// to manager.QueueManager.WithConfigSyncRepository.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new config-source client against baseURL, e.g.
// "http://platform:8080/api/config-source".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FindAllEnabled fetches the current enabled pool roster over HTTP.
func (c *Client) FindAllEnabled(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	u, err := url.JoinPath(c.baseURL, "pools")
	if err != nil {
		return nil, fmt.Errorf("configsource: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("configsource: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("configsource: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configsource: unexpected status %d", resp.StatusCode)
	}

	var views []poolConfigView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("configsource: decode response: %w", err)
	}

	pools := make([]*dispatchpool.DispatchPool, 0, len(views))
	for _, v := range views {
		pools = append(pools, &dispatchpool.DispatchPool{
			Code:            v.Code,
			Concurrency:     v.Concurrency,
			QueueCapacity:   v.QueueCapacity,
			RateLimitPerMin: v.RateLimitPerMin,
			Status:          dispatchpool.DispatchPoolStatusActive,
		})
	}

	return pools, nil
}

func (c *Client) FindByID(ctx context.Context, id string) (*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindByCode(ctx context.Context, code string) (*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindAll(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindAllActive(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindByStatus(ctx context.Context, status dispatchpool.DispatchPoolStatus) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindAnchorLevel(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindAllNonArchived(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) FindByClientID(ctx context.Context, clientID string) ([]*dispatchpool.DispatchPool, error) {
	return nil, ErrUnsupported
}

func (c *Client) Insert(ctx context.Context, pool *dispatchpool.DispatchPool) error {
	return ErrUnsupported
}

func (c *Client) Update(ctx context.Context, pool *dispatchpool.DispatchPool) error {
	return ErrUnsupported
}

func (c *Client) UpdateConfig(ctx context.Context, id string, concurrency, queueCapacity int, rateLimitPerMin *int) error {
	return ErrUnsupported
}

func (c *Client) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return ErrUnsupported
}

func (c *Client) SetStatus(ctx context.Context, id string, status dispatchpool.DispatchPoolStatus) error {
	return ErrUnsupported
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return ErrUnsupported
}

func (c *Client) Count(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (c *Client) CountEnabled(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (c *Client) CountActive(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (c *Client) CountByStatus(ctx context.Context, status dispatchpool.DispatchPoolStatus) (int64, error) {
	return 0, ErrUnsupported
}

func (c *Client) ExistsByCode(ctx context.Context, code string) (bool, error) {
	return false, ErrUnsupported
}

var _ dispatchpool.Repository = (*Client)(nil)
