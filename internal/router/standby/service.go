// Package standby lets a router replica sit idle as a warm standby until a
// distributed lock promotes it to PRIMARY, so a fleet can run more router
// instances than the active workload needs without duplicating delivery.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.fluxdispatch.dev/internal/router/health"
)

// Role is this instance's position in the standby group.
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

const (
	defaultLockKey         = "flowcatalyst:router:leader"
	defaultLockTTL         = 30 * time.Second
	defaultRefreshInterval = 10 * time.Second
	lockCallTimeout        = 5 * time.Second
)

// Config tunes one Service.
type Config struct {
	// Enabled turns on lock-based election; when false the instance runs as
	// a standalone PRIMARY with no lock contention at all.
	Enabled bool

	// InstanceID identifies this instance to the lock provider; a random
	// UUID is generated if left empty.
	InstanceID string

	LockKey         string
	LockTTL         time.Duration
	RefreshInterval time.Duration
	RedisURL        string
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		LockKey:         defaultLockKey,
		LockTTL:         defaultLockTTL,
		RefreshInterval: defaultRefreshInterval,
	}
}

// Callbacks fire on a role transition; either may be nil.
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is the distributed-lock backend a Service elects against.
type LockProvider interface {
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, instanceID string) error
	GetHolder(ctx context.Context, key string) (string, error)
	IsAvailable(ctx context.Context) bool
	Close() error
}

// Service elects a single PRIMARY among router replicas sharing a
// LockProvider, exposing its current role for health/monitoring surfaces.
type Service struct {
	mu sync.RWMutex

	config    *Config
	callbacks *Callbacks

	instanceID            string
	currentRole           Role
	redisAvailable        bool
	currentLockHolder     string
	lastSuccessfulRefresh time.Time
	hasWarning            bool
	warningMessage        string

	lockProvider LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:      config,
		callbacks:   callbacks,
		instanceID:  instanceID,
		currentRole: RoleUnknown,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockProvider = provider
}

// Start either declares this instance PRIMARY outright (standby mode
// disabled) or kicks off the election loop against the configured
// LockProvider.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("standby disabled, running standalone primary")
		s.promoteUnconditionally()
		return nil
	}

	slog.Info("standby election starting",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.electionTick()

	s.wg.Add(1)
	go s.electionLoop()

	return nil
}

func (s *Service) promoteUnconditionally() {
	s.mu.Lock()
	s.currentRole = RolePrimary
	s.mu.Unlock()

	if s.callbacks != nil && s.callbacks.OnBecomePrimary != nil {
		s.callbacks.OnBecomePrimary()
	}
}

// Stop halts the election loop and, if this instance currently holds the
// lock, releases it so a standby can take over without waiting out the TTL.
func (s *Service) Stop() {
	slog.Info("standby service stopping", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.currentRole
	provider := s.lockProvider
	s.mu.RUnlock()

	if role == RolePrimary && provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
		defer cancel()

		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("lock release on shutdown failed", "error", err)
		} else {
			slog.Info("leader lock released on shutdown")
		}
	}

	if provider != nil {
		provider.Close()
	}
}

func (s *Service) electionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.electionTick()
		}
	}
}

// electionTick runs one acquire-or-refresh pass: a PRIMARY tries to renew
// its lease, a STANDBY tries to take the lock, and either falls back to
// polling the current holder when the attempt doesn't resolve its role.
func (s *Service) electionTick() {
	s.mu.RLock()
	provider := s.lockProvider
	role := s.currentRole
	s.mu.RUnlock()

	if provider == nil {
		slog.Warn("no lock provider configured, running standalone")
		s.setRole(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, lockCallTimeout)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.redisAvailable = available
	s.mu.Unlock()

	if !available {
		slog.Warn("lock backend unavailable, holding current role")
		s.setWarning("lock backend unavailable")
		return
	}

	if role == RolePrimary {
		s.renewLease(ctx, provider)
	} else {
		s.pursueLease(ctx, provider, role)
	}
}

func (s *Service) renewLease(ctx context.Context, provider LockProvider) {
	refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("lock refresh errored", "error", err)
		s.setWarning("lock refresh error: " + err.Error())
		return
	}

	if refreshed {
		s.mu.Lock()
		s.lastSuccessfulRefresh = time.Now()
		s.hasWarning = false
		s.warningMessage = ""
		s.mu.Unlock()
		slog.Debug("lock refreshed")
		return
	}

	slog.Warn("leader lock lost, demoting to standby")
	s.setRole(RoleStandby)
	s.refreshLockHolder(ctx, provider)
}

func (s *Service) pursueLease(ctx context.Context, provider LockProvider, role Role) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("lock acquire errored", "error", err)
		s.setWarning("lock acquisition error: " + err.Error())
		s.refreshLockHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("leader lock acquired, promoting to primary")
		s.setRole(RolePrimary)
		s.mu.Lock()
		s.lastSuccessfulRefresh = time.Now()
		s.currentLockHolder = s.instanceID
		s.hasWarning = false
		s.warningMessage = ""
		s.mu.Unlock()
		return
	}

	s.refreshLockHolder(ctx, provider)
	if role == RoleUnknown {
		s.setRole(RoleStandby)
	}
}

func (s *Service) setRole(role Role) {
	s.mu.Lock()
	prior := s.currentRole
	s.currentRole = role
	s.mu.Unlock()

	if prior == role {
		return
	}

	slog.Info("standby role changed", "instanceId", s.instanceID, "oldRole", string(prior), "newRole", string(role))

	if s.callbacks == nil {
		return
	}

	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) setWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWarning = true
	s.warningMessage = message
}

func (s *Service) refreshLockHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("lock holder lookup failed", "error", err)
		return
	}

	s.mu.Lock()
	s.currentLockHolder = holder
	s.mu.Unlock()
}

func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole == RolePrimary
}

func (s *Service) IsStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole == RoleStandby
}

func (s *Service) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole
}

func (s *Service) GetInstanceID() string {
	return s.instanceID
}

func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus reports standby state for the health/monitoring surface.
func (s *Service) GetStatus() *health.StandbyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.lastSuccessfulRefresh.IsZero() {
		lastRefresh = s.lastSuccessfulRefresh.Format(time.RFC3339)
	}

	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.currentRole),
		RedisAvailable:        s.redisAvailable,
		CurrentLockHolder:     s.currentLockHolder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.hasWarning,
	}
}
