// Package leader implements distributed single-writer election so exactly
// one scheduler replica runs the promote/recover loops at a time. The
// Mongo-backed implementation here and the Redis-backed one in
// redis_election.go both satisfy LockProvider.
package leader

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	locksCollection = "leader_locks"
	ttlIndexName    = "ttl_expiresAt"

	defaultTTL             = 30 * time.Second
	defaultRefreshInterval = 10 * time.Second
	acquireTimeout         = 5 * time.Second
	releaseTimeout         = 5 * time.Second
)

// LeaderLock is the lock document stored in Mongo, one per LockName.
type LeaderLock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// ElectorConfig tunes one LeaderElector.
type ElectorConfig struct {
	// InstanceID identifies this process in the lock document; defaults to
	// the host name.
	InstanceID string

	// LockName is the _id of the lock document this elector contends for.
	LockName string

	// TTL is how long a held lock stays valid without a refresh.
	TTL time.Duration

	// RefreshInterval is how often the holder renews TTL, and how often a
	// non-holder retries acquisition.
	RefreshInterval time.Duration
}

// DefaultElectorConfig returns an ElectorConfig with a host-derived
// InstanceID and the standard 30s/10s TTL and refresh interval.
func DefaultElectorConfig(lockName string) *ElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}

	return &ElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             defaultTTL,
		RefreshInterval: defaultRefreshInterval,
	}
}

// LeaderElector contends for a lock document backed by one Mongo
// collection, exposing whether this process currently holds it.
type LeaderElector struct {
	collection       *mongo.Collection
	config           *ElectorConfig
	isPrimary        atomic.Bool
	ctx              context.Context
	cancel           context.CancelFunc
	refreshStopped   chan struct{}
	onBecomeLeader   func()
	onLoseLeadership func()
}

func NewLeaderElector(db *mongo.Database, config *ElectorConfig) *LeaderElector {
	if config == nil {
		config = DefaultElectorConfig("default-leader")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LeaderElector{
		collection:     db.Collection(locksCollection),
		config:         config,
		ctx:            ctx,
		cancel:         cancel,
		refreshStopped: make(chan struct{}),
	}
}

// OnBecomeLeader registers fn to run on the transition into holding the
// lock. Only one callback is kept; a later call replaces an earlier one.
func (e *LeaderElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership registers fn to run when a refresh fails and the lock
// is presumed lost.
func (e *LeaderElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start ensures the TTL index exists and launches the background loop that
// acquires or refreshes the lock on config.RefreshInterval. It returns once
// the loop goroutine is running; it does not block on a first acquisition.
func (e *LeaderElector) Start(ctx context.Context) error {
	ttlIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName(ttlIndexName),
	}
	if _, err := e.collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		slog.Debug("leader ttl index create skipped", "error", err)
	}

	go e.run()

	slog.Info("leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)

	return nil
}

// Stop cancels the background loop, waits for it to exit, and releases the
// lock if this instance currently holds it.
func (e *LeaderElector) Stop() {
	e.cancel()
	<-e.refreshStopped

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("leader election stopped", "instanceId", e.config.InstanceID)
}

func (e *LeaderElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

func (e *LeaderElector) InstanceID() string {
	return e.config.InstanceID
}

// run drives acquisition/refresh attempts until ctx is cancelled, firing
// an attempt immediately on entry rather than waiting for the first tick.
func (e *LeaderElector) run() {
	defer close(e.refreshStopped)

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

// attempt refreshes the lock if held, falling back to a fresh acquisition
// attempt either way (a failed refresh means the lock may now be free).
func (e *LeaderElector) attempt() {
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

// acquire upserts the lock document, succeeding when it is missing,
// expired, or already owned by this instance (the refresh-through-upsert
// path), and reports whether this instance ends up the owner.
func (e *LeaderElector) acquire(ctx context.Context) bool {
	now := time.Now()
	expiresAt := now.Add(e.config.TTL)

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": e.config.InstanceID,
			"acquiredAt": now,
			"expiresAt":  expiresAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var owner LeaderLock
	err := e.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&owner)
	if err == nil {
		return owner.InstanceID == e.config.InstanceID
	}

	if mongo.IsDuplicateKeyError(err) {
		slog.Debug("leader lock held elsewhere", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		return false
	}

	if err == mongo.ErrNoDocuments {
		// The upsert's filter excluded the current document (still held,
		// unexpired, by someone else) rather than there being no document
		// at all, so a plain insert only succeeds when none exists yet.
		lock := LeaderLock{ID: e.config.LockName, InstanceID: e.config.InstanceID, AcquiredAt: now, ExpiresAt: expiresAt}
		if _, insertErr := e.collection.InsertOne(ctx, lock); insertErr != nil {
			if !mongo.IsDuplicateKeyError(insertErr) {
				slog.Error("leader lock insert failed", "error", insertErr)
			}
			return false
		}
		return true
	}

	slog.Error("leader lock acquire failed", "error", err, "lockName", e.config.LockName)
	return false
}

// refresh extends the TTL on a lock document this instance already owns,
// reporting false if the document has since moved to another owner.
func (e *LeaderElector) refresh(ctx context.Context) bool {
	filter := bson.M{"_id": e.config.LockName, "instanceId": e.config.InstanceID}
	update := bson.M{"$set": bson.M{"expiresAt": time.Now().Add(e.config.TTL)}}

	result, err := e.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.Error("leader lock refresh failed", "error", err, "lockName", e.config.LockName)
		return false
	}
	if result.MatchedCount == 0 {
		slog.Debug("leader lock no longer owned", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		return false
	}
	return true
}

// Release deletes the lock document if owned by this instance and clears
// the local primary flag regardless of whether the delete matched anything.
func (e *LeaderElector) Release(ctx context.Context) {
	filter := bson.M{"_id": e.config.LockName, "instanceId": e.config.InstanceID}

	result, err := e.collection.DeleteOne(ctx, filter)
	if err != nil {
		slog.Error("leader lock release failed", "error", err, "lockName", e.config.LockName)
	} else if result.DeletedCount > 0 {
		slog.Info("leader lock released", "instanceId", e.config.InstanceID, "lockName", e.config.LockName)
	}

	e.isPrimary.Store(false)
}

// GetCurrentLeader returns the instance ID holding an unexpired lock, or
// "" if none holds it.
func (e *LeaderElector) GetCurrentLeader(ctx context.Context) (string, error) {
	filter := bson.M{"_id": e.config.LockName, "expiresAt": bson.M{"$gt": time.Now()}}

	var lock LeaderLock
	if err := e.collection.FindOne(ctx, filter).Decode(&lock); err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return lock.InstanceID, nil
}
