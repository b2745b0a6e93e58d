package serviceaccount

import (
	"context"
	"fmt"
	"sync"

	"go.fluxdispatch.dev/internal/common/secrets"
)

// Credentials is the resolved, plaintext pair the mediator needs to sign and
// authenticate a webhook delivery for a given service account.
type Credentials struct {
	AuthToken     string
	SigningSecret string
}

// AccountLookup is the narrow capability Cache needs from Repository —
// separated out so tests can substitute a fake without a Mongo connection.
type AccountLookup interface {
	FindByID(ctx context.Context, id string) (*ServiceAccount, error)
}

// Cache is a read-through cache of resolved ServiceAccount credentials.
// Reads are lock-free against a shared sync.Map; writes (populate,
// invalidate) take a mutex. The map is updated in place, not copied on write. This matches spec §5's credential-cache model:
// "process-wide, protected by a mutex around write, lock-free on read".
type Cache struct {
	repo     AccountLookup
	resolver secrets.Provider

	mu    sync.Mutex
	table atomicMap
}

// atomicMap is a concurrent map of service account id to its resolved
// credentials, written under Cache.mu.
type atomicMap struct {
	m *sync.Map
}

// NewCache creates a credential cache backed by the given repository and
// secret resolver.
func NewCache(repo AccountLookup, resolver secrets.Provider) *Cache {
	return &Cache{
		repo:     repo,
		resolver: resolver,
		table:    atomicMap{m: &sync.Map{}},
	}
}

// Resolve returns the cached credentials for a service account id, fetching
// and decrypting them on first access.
func (c *Cache) Resolve(ctx context.Context, serviceAccountID string) (*Credentials, error) {
	if v, ok := c.table.m.Load(serviceAccountID); ok {
		return v.(*Credentials), nil
	}

	creds, err := c.load(ctx, serviceAccountID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.table.m.Store(serviceAccountID, creds)
	c.mu.Unlock()
	return creds, nil
}

// Invalidate drops a service account's cached credentials, forcing the next
// Resolve to re-fetch and re-decrypt. Called on an explicit rotation event.
func (c *Cache) Invalidate(serviceAccountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.m.Delete(serviceAccountID)
}

func (c *Cache) load(ctx context.Context, serviceAccountID string) (*Credentials, error) {
	account, err := c.repo.FindByID(ctx, serviceAccountID)
	if err != nil {
		return nil, fmt.Errorf("loading service account %s: %w", serviceAccountID, err)
	}
	if account == nil {
		return nil, fmt.Errorf("service account %s not found", serviceAccountID)
	}
	if !account.HasWebhookCredentials() {
		return nil, fmt.Errorf("service account %s has no webhook credentials configured", serviceAccountID)
	}

	authToken, err := c.resolver.Get(ctx, account.WebhookCredentials.AuthTokenRef)
	if err != nil {
		return nil, fmt.Errorf("resolving auth token for %s: %w", serviceAccountID, err)
	}

	signingSecret, err := c.resolver.Get(ctx, account.WebhookCredentials.SigningSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolving signing secret for %s: %w", serviceAccountID, err)
	}

	return &Credentials{AuthToken: authToken, SigningSecret: signingSecret}, nil
}
