package leader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	minLockTTLSeconds = 1
)

// refreshScript extends a lock's TTL only if the caller's instance ID still
// owns it; renewing a lock someone else now holds would steal it back.
var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript deletes a lock only if the caller's instance ID still owns
// it, so a stale release from an instance that already lost the lock can't
// delete someone else's.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisElectorConfig tunes one RedisLeaderElector.
type RedisElectorConfig struct {
	InstanceID      string
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

func DefaultRedisElectorConfig(lockName string) *RedisElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}

	return &RedisElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             defaultTTL,
		RefreshInterval: defaultRefreshInterval,
	}
}

// RedisLeaderElector contends for a single SET-NX-EX key, used in
// deployments where a Mongo collection isn't already part of the stack.
type RedisLeaderElector struct {
	client           *redis.Client
	config           *RedisElectorConfig
	isPrimary        atomic.Bool
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	onBecomeLeader   func()
	onLoseLeadership func()
}

func NewRedisLeaderElector(client *redis.Client, config *RedisElectorConfig) *RedisLeaderElector {
	if config == nil {
		config = DefaultRedisElectorConfig("default-leader")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RedisLeaderElector{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *RedisLeaderElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

func (e *RedisLeaderElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

func (e *RedisLeaderElector) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run()

	slog.Info("redis leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)

	return nil
}

func (e *RedisLeaderElector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("redis leader election stopped", "instanceId", e.config.InstanceID)
}

func (e *RedisLeaderElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

func (e *RedisLeaderElector) InstanceID() string {
	return e.config.InstanceID
}

func (e *RedisLeaderElector) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.attempt()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.attempt()
		}
	}
}

func (e *RedisLeaderElector) attempt() {
	ctx, cancel := context.WithTimeout(e.ctx, acquireTimeout)
	defer cancel()

	held := e.isPrimary.Load()

	if held {
		if e.refresh(ctx) {
			return
		}
		e.isPrimary.Store(false)
		slog.Warn("lost leadership on refresh failure", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
		held = false
	}

	if e.acquire(ctx) {
		if !held {
			slog.Info("acquired leadership", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
		e.isPrimary.Store(true)
	}
}

func (e *RedisLeaderElector) ttlSeconds() int {
	if s := int(e.config.TTL.Seconds()); s >= minLockTTLSeconds {
		return s
	}
	return minLockTTLSeconds
}

// acquire sets the lock key with NX so a concurrent holder is never
// overwritten; if the key is already set it checks whether this instance is
// the existing owner (e.g. after a restart) and refreshes instead of
// reporting failure.
func (e *RedisLeaderElector) acquire(ctx context.Context) bool {
	acquired, err := e.client.SetNX(ctx, e.config.LockName, e.config.InstanceID, e.config.TTL).Result()
	if err != nil {
		slog.Error("redis leader lock acquire failed", "error", err, "lockName", e.config.LockName)
		return false
	}
	if acquired {
		slog.Debug("redis leader lock acquired", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		return true
	}

	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Error("redis leader lock owner lookup failed", "error", err)
		}
		return false
	}
	if owner == e.config.InstanceID {
		return e.refresh(ctx)
	}

	slog.Debug("redis leader lock held elsewhere", "instanceId", e.config.InstanceID, "owner", owner, "lockName", e.config.LockName)
	return false
}

func (e *RedisLeaderElector) refresh(ctx context.Context) bool {
	result, err := refreshScript.Run(ctx, e.client, []string{e.config.LockName}, e.config.InstanceID, e.ttlSeconds()).Int()
	if err != nil {
		slog.Error("redis leader lock refresh failed", "error", err, "lockName", e.config.LockName)
		return false
	}
	if result == 0 {
		slog.Debug("redis leader lock no longer owned", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		return false
	}
	return true
}

func (e *RedisLeaderElector) Release(ctx context.Context) {
	result, err := releaseScript.Run(ctx, e.client, []string{e.config.LockName}, e.config.InstanceID).Int()
	if err != nil {
		slog.Error("redis leader lock release failed", "error", err, "lockName", e.config.LockName)
	} else if result > 0 {
		slog.Info("redis leader lock released", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
	}

	e.isPrimary.Store(false)
}

func (e *RedisLeaderElector) GetCurrentLeader(ctx context.Context) (string, error) {
	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
