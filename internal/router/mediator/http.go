// Package mediator forwards a routed message to the dispatch processing
// endpoint over HTTP. The router never talks to a subscriber directly — it
// hands the message to whatever internal URL the scheduler stamped onto
// MessagePointer.MediationTarget, and the processing endpoint on the other
// end owns signing, subscriber delivery, and attempt bookkeeping.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"go.fluxdispatch.dev/internal/common/metrics"
	"go.fluxdispatch.dev/internal/router/pool"
)

// HTTPMediator forwards pool.MessagePointer jobs to their mediation target
// and turns the HTTP result into a pool.MediationOutcome the process pool can
// act on (ack, retry, or cascade-NACK the message group).
type HTTPMediator struct {
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	maxRetries     int
	baseBackoff    time.Duration
}

// HTTPVersion pins the transport's negotiated protocol.
type HTTPVersion string

const (
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	HTTPVersion2 HTTPVersion = "HTTP_2"

	defaultMediationTimeout = 900 * time.Second
	maxResponseBodyBytes    = 64 * 1024
	defaultRateLimitDelay   = 5 * time.Second
)

// HTTPMediatorConfig tunes the forwarding transport, retry count, and circuit
// breaker that guards the processing endpoint from a thundering herd of
// retries when it is unhealthy.
type HTTPMediatorConfig struct {
	Timeout     time.Duration
	HTTPVersion HTTPVersion
	MaxRetries  int
	BaseBackoff time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultHTTPMediatorConfig returns the production defaults: HTTP/2, a
// 15-minute ceiling for slow subscriber webhooks relayed through the
// processing endpoint, and a breaker that trips once half of a 10-request
// window fails.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                   defaultMediationTimeout,
		HTTPVersion:               HTTPVersion2,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevHTTPMediatorConfig drops to HTTP/1.1, useful against a plain-HTTP local
// processing endpoint that doesn't terminate TLS.
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator builds a mediator from cfg, or from DefaultHTTPMediatorConfig
// if cfg is nil.
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
	} else {
		transport.ForceAttemptHTTP2 = true
	}
	slog.Info("dispatch mediator transport ready", "httpVersion", cfg.HTTPVersion)

	m := &HTTPMediator{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}

	if cfg.CircuitBreakerEnabled {
		m.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dispatch-mediation",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("dispatch mediation breaker state change", "breaker", name, "from", from, "to", to)
				var state float64
				switch to {
				case gobreaker.StateClosed:
					state = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					state = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					state = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(state)
			},
		})
	}

	return m
}

// Process forwards msg to its mediation target, retrying transient failures
// up to maxRetries and short-circuiting through the breaker when the
// processing endpoint is tripped.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("mediator: nil message pointer")}
	}
	if msg.MediationTarget == "" {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("mediator: message has no mediation target")}
	}

	if m.circuitBreaker == nil {
		outcome, _ := m.forwardWithRetry(msg)
		return outcome
	}

	result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
		return m.forwardWithRetry(msg)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		slog.Warn("dispatch mediation breaker open, short-circuiting", "messageId", msg.ID, "target", msg.MediationTarget)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}
	if outcome, ok := result.(*pool.MediationOutcome); ok {
		return outcome
	}
	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
}

// forwardWithRetry performs up to m.maxRetries forwarding attempts, backing
// off linearly between attempts. Config errors (4xx) and success both stop
// the loop immediately; anything else is re-tried until the budget runs out.
func (m *HTTPMediator) forwardWithRetry(msg *pool.MessagePointer) (*pool.MediationOutcome, error) {
	var last *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		last = m.forwardOnce(msg, attempt)

		if last.Result == pool.MediationResultSuccess || last.Result == pool.MediationResultErrorConfig {
			return last, nil
		}
		if !m.isRetryable(last) {
			return last, nil
		}
		if attempt == m.maxRetries {
			break
		}

		backoff := time.Duration(attempt) * m.baseBackoff
		slog.Info("retrying dispatch forward", "messageId", msg.ID, "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)
	}

	return last, last.Error
}

// forwardOnce makes a single forwarding call, relaying the job's dispatch
// identity (ID, service-account bearer token, and any transport headers the
// scheduler attached) to the mediation target untouched.
func (m *HTTPMediator) forwardOnce(msg *pool.MessagePointer, attempt int) *pool.MediationOutcome {
	timeout := defaultMediationTimeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload := fmt.Sprintf(`{"messageId":"%s"}`, msg.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: fmt.Errorf("building forward request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("forwarding dispatch message", "messageId", msg.ID, "target", msg.MediationTarget, "attempt", attempt)

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(elapsed.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		return m.classifyTransportError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	slog.Debug("dispatch forward response", "messageId", msg.ID, "statusCode", resp.StatusCode, "bodyBytes", len(body), "elapsed", elapsed)

	return m.classifyResponse(msg, resp.StatusCode, body)
}

// classifyTransportError maps a transport-level failure (as opposed to an
// HTTP status code) onto a MediationOutcome.
func (m *HTTPMediator) classifyTransportError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("dispatch forward timed out", "messageId", msg.ID)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}
	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("dispatch forward network error", "messageId", msg.ID, "timeout", netErr.Timeout())
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Error: err}
}

// classifyResponse maps the processing endpoint's status code and body onto
// a MediationOutcome. 2xx with an explicit ack:false means "not ready, try
// again later" rather than success; 429 and 5xx are transient; other 4xx are
// config errors and never retried.
func (m *HTTPMediator) classifyResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		ack := parseAck(body)
		if ack != nil && !*ack {
			slog.Info("dispatch forward acked false, scheduling retry", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       parseDelaySeconds(body),
			}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode}

	case statusCode == http.StatusTooManyRequests:
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode, Delay: parseRetryDelay(body)}

	case statusCode >= 400 && statusCode < 500:
		slog.Warn("dispatch forward rejected, not retrying", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, StatusCode: statusCode}

	case statusCode >= 500:
		slog.Warn("dispatch forward server error, retrying", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}

	default:
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, StatusCode: statusCode}
	}
}

// parseAck reads the optional "ack" boolean a processing endpoint response
// may carry.
func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var decoded struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	return decoded.Ack
}

// parseDelaySeconds reads the optional "delaySeconds" hint a response may
// carry, to override the pool's default backoff for this one retry.
func parseDelaySeconds(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var decoded struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.DelaySeconds == nil || *decoded.DelaySeconds <= 0 {
		return nil
	}
	d := time.Duration(*decoded.DelaySeconds) * time.Second
	return &d
}

func parseRetryDelay(body []byte) *time.Duration {
	if delay := parseDelaySeconds(body); delay != nil {
		return delay
	}
	d := defaultRateLimitDelay
	return &d
}

// isRetryable reports whether a failed outcome should be retried within the
// current forwardWithRetry budget.
func (m *HTTPMediator) isRetryable(outcome *pool.MediationOutcome) bool {
	switch outcome.Result {
	case pool.MediationResultErrorConnection, pool.MediationResultErrorProcess:
		return true
	default:
		return false
	}
}
