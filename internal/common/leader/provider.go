package leader

import "context"

// LockProvider is the common surface of the Mongo-backed LeaderElector and
// the Redis-backed RedisLeaderElector, selected at startup by
// LEADER_BACKEND. Components that only need to know "am I
// primary right now" depend on this interface, not a concrete backend.
type LockProvider interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	InstanceID() string
}

var (
	_ LockProvider = (*LeaderElector)(nil)
	_ LockProvider = (*RedisLeaderElector)(nil)
)
