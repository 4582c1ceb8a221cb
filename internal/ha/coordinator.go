package ha

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence"
)

// LeaderKey is the Redis lease key all instances contend on.
const LeaderKey = "pm:leader"

// Compare-and-extend: only the holder may renew its lease.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

// Compare-and-delete: only the holder may release the lease.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Coordinator runs leader election for one process. Only the leader's
// engine processes signals; followers heartbeat and wait.
type Coordinator struct {
	redis   redis.Cmdable
	store   persistence.InstanceStore
	cfg     config.HAConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	instanceID string
	hostname   string
	startedAt  time.Time
	sync       *syncWindow

	mu            sync.RWMutex
	isLeader      bool
	acquiredAt    time.Time
	lastHeartbeat time.Time
	changes       int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator builds a coordinator with a persisted instance identity.
func NewCoordinator(rdb redis.Cmdable, store persistence.InstanceStore, cfg config.HAConfig,
	clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) (*Coordinator, error) {

	instanceID, err := LoadInstanceID(cfg.IDFile)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	return &Coordinator{
		redis:      rdb,
		store:      store,
		cfg:        cfg,
		clock:      clk,
		metrics:    m,
		logger:     logger.With().Str("component", "coordinator").Str("instance_id", instanceID).Logger(),
		instanceID: instanceID,
		hostname:   hostname,
		startedAt:  clk.Now(),
		sync:       newSyncWindow(),
		stopCh:     make(chan struct{}),
	}, nil
}

// InstanceID returns this process's composite identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// IsLeader reports whether this instance currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

// noteLeadershipChange bumps both the prometheus counter and the local
// count echoed on the coordinator endpoint.
func (c *Coordinator) noteLeadershipChange() {
	c.metrics.LeadershipChanges.Inc()
	c.mu.Lock()
	c.changes++
	c.mu.Unlock()
}

// Start launches the heartbeat and split-brain loops and makes an
// immediate election attempt so a lone instance leads without waiting a
// full heartbeat interval.
func (c *Coordinator) Start(ctx context.Context) {
	if _, err := c.TryBecomeLeader(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial leader election attempt failed")
	}
	c.heartbeat(ctx)

	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.splitBrainLoop(ctx)
}

// Stop halts the loops and releases leadership if held.
func (c *Coordinator) Stop(ctx context.Context) {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.IsLeader() {
		c.ReleaseLeadership(ctx)
	}
}

// TryBecomeLeader attempts to acquire the lease with SET NX EX.
func (c *Coordinator) TryBecomeLeader(ctx context.Context) (bool, error) {
	ok, err := c.redis.SetNX(ctx, LeaderKey, c.instanceID, c.cfg.LeaderTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.isLeader = true
	c.acquiredAt = now
	c.mu.Unlock()

	c.noteLeadershipChange()
	c.logger.Error().
		Str("severity", "notice").
		Str("alert", "👑 LEADERSHIP ACQUIRED").
		Time("acquired_at", now).
		Msg("this instance is now the trading leader")

	if err := c.store.SetLeaderFlag(ctx, c.instanceID, true, now); err != nil {
		c.logger.Warn().Err(err).Msg("failed to flag leadership in database")
		c.metrics.DBSyncFailure.Inc()
	}
	if err := c.store.RecordLeadershipAcquired(ctx, c.instanceID, c.hostname, now); err != nil {
		c.logger.Warn().Err(err).Msg("failed to record leadership acquisition")
		c.metrics.DBSyncFailure.Inc()
	}
	return true, nil
}

// RenewLeadership extends the lease. A failed compare means another
// instance owns the key and this one must demote.
func (c *Coordinator) RenewLeadership(ctx context.Context) error {
	ttlSeconds := int(c.cfg.LeaderTTL / time.Second)
	res, err := c.redis.Eval(ctx, renewScript, []string{LeaderKey}, c.instanceID, ttlSeconds).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); ok && n == 1 {
		return nil
	}

	// The lease expired or was taken. The lock is already gone, so only
	// the local flag and the database row need clearing.
	c.logger.Error().
		Str("severity", "critical").
		Str("alert", "🚨 LEADERSHIP LOST").
		Msg("lease renewal failed, demoting to follower")
	c.noteLeadershipChange()
	c.clearLeadership(ctx)
	return nil
}

// ReleaseLeadership gives up the lease voluntarily. The Redis lock goes
// first: a crash between the two steps must leave the lock free, not a
// flagged leader without a lock.
func (c *Coordinator) ReleaseLeadership(ctx context.Context) {
	if _, err := c.redis.Eval(ctx, releaseScript, []string{LeaderKey}, c.instanceID).Result(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to release leader lease")
	}
	c.logger.Error().
		Str("severity", "notice").
		Str("alert", "👋 LEADERSHIP RELEASED").
		Msg("released trading leadership")
	c.noteLeadershipChange()
	c.clearLeadership(ctx)
}

// clearLeadership clears the local flag and database state after the
// lease is no longer held.
func (c *Coordinator) clearLeadership(ctx context.Context) {
	c.mu.Lock()
	c.isLeader = false
	c.acquiredAt = time.Time{}
	c.mu.Unlock()

	now := c.clock.Now()
	if err := c.store.SetLeaderFlag(ctx, c.instanceID, false, now); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear leadership flag in database")
		c.metrics.DBSyncFailure.Inc()
	}
	if err := c.store.RecordLeadershipReleased(ctx, c.instanceID, now); err != nil {
		c.logger.Warn().Err(err).Msg("failed to record leadership release")
		c.metrics.DBSyncFailure.Inc()
	}
}

// heartbeatLoop renews or contends for the lease every half TTL.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LeaderTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsLeader() {
				if err := c.RenewLeadership(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("lease renewal errored")
				}
			} else {
				if _, err := c.TryBecomeLeader(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("leader election attempt failed")
				}
			}
			c.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes this instance's liveness row and tracks how long
// the database write took.
func (c *Coordinator) heartbeat(ctx context.Context) {
	row := &domain.InstanceMetadata{
		InstanceID:    c.instanceID,
		StartedAt:     c.startedAt,
		LastHeartbeat: c.clock.Now(),
		Hostname:      c.hostname,
	}
	c.mu.RLock()
	row.IsLeader = c.isLeader
	if c.isLeader && !c.acquiredAt.IsZero() {
		at := c.acquiredAt
		row.LeaderAcquiredAt = &at
	}
	c.mu.RUnlock()

	start := time.Now()
	err := c.store.UpsertHeartbeat(ctx, row)
	c.sync.Observe(time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat database sync failed")
		c.metrics.DBSyncFailure.Inc()
		return
	}
	c.metrics.DBSyncSuccess.Inc()
	c.mu.Lock()
	c.lastHeartbeat = row.LastHeartbeat
	c.mu.Unlock()
}

// splitBrainLoop periodically audits the instance table for multiple
// fresh leader claims.
func (c *Coordinator) splitBrainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SplitBrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.DetectSplitBrain(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("split-brain check failed")
			}
		}
	}
}

// DetectSplitBrain cross-checks fresh database leader claims against the
// Redis lease. When this instance claims leadership without holding the
// lease it demotes itself; the lease holder is always right.
func (c *Coordinator) DetectSplitBrain(ctx context.Context) error {
	leaders, err := c.store.FreshLeaders(ctx, c.cfg.StaleHeartbeat)
	if err != nil {
		return err
	}
	if len(leaders) <= 1 && !c.IsLeader() {
		return nil
	}

	holder, err := c.redis.Get(ctx, LeaderKey).Result()
	if err == redis.Nil {
		holder = ""
	} else if err != nil {
		return err
	}

	if len(leaders) > 1 {
		ids := make([]string, 0, len(leaders))
		for _, l := range leaders {
			ids = append(ids, l.InstanceID)
		}
		c.metrics.SplitBrainEvents.Inc()
		c.logger.Error().
			Str("severity", "critical").
			Str("alert", "🚨 SPLIT BRAIN DETECTED").
			Strs("claimants", ids).
			Str("lease_holder", holder).
			Msg("multiple fresh leadership claims in instance table")
	}

	if c.IsLeader() && holder != c.instanceID {
		c.logger.Error().
			Str("severity", "critical").
			Str("alert", "🚨 STALE LEADERSHIP CLAIM").
			Str("lease_holder", holder).
			Msg("local leader flag without the lease, demoting")
		c.noteLeadershipChange()
		// The lease belongs to someone else; the compare-and-delete is a
		// no-op but keeps the demote path uniform.
		if _, err := c.redis.Eval(ctx, releaseScript, []string{LeaderKey}, c.instanceID).Result(); err != nil {
			c.logger.Warn().Err(err).Msg("failed lease release during demote")
		}
		c.clearLeadership(ctx)
	}
	return nil
}

// SyncMetrics is the heartbeat sync snapshot echoed on the coordinator
// endpoint alongside the prometheus surface.
type SyncMetrics struct {
	DBSyncSuccess     int64         `json:"db_sync_success"`
	DBSyncFailure     int64         `json:"db_sync_failure"`
	DBSyncFailureRate float64       `json:"db_sync_failure_rate"`
	DBSyncAvgLatency  time.Duration `json:"db_sync_avg_latency"`
	DBSyncMaxLatency  time.Duration `json:"db_sync_max_latency"`
	LeadershipChanges int64         `json:"leadership_changes"`
	LastHeartbeat     *time.Time    `json:"last_heartbeat,omitempty"`
}

// LeaderInfo is the /coordinator/leader payload: leadership as both the
// Redis lease and the instance table see it, plus the sync snapshot.
type LeaderInfo struct {
	LeaseHolder string      `json:"lease_holder"`
	DBLeader    string      `json:"db_leader"`
	InstanceID  string      `json:"instance_id"`
	IsSelf      bool        `json:"is_self"`
	IsLeader    bool        `json:"is_leader"`
	SplitBrain  bool        `json:"split_brain"`
	AcquiredAt  *time.Time  `json:"acquired_at,omitempty"`
	Metrics     SyncMetrics `json:"metrics"`
}

// LeaderInfo reports the lease holder as Redis sees it and cross-checks
// the instance table for fresh database-side claims.
func (c *Coordinator) LeaderInfo(ctx context.Context) (LeaderInfo, error) {
	holder, err := c.redis.Get(ctx, LeaderKey).Result()
	if err == redis.Nil {
		holder = ""
	} else if err != nil {
		return LeaderInfo{}, err
	}

	leaders, err := c.store.FreshLeaders(ctx, c.cfg.StaleHeartbeat)
	if err != nil {
		return LeaderInfo{}, err
	}
	dbLeader := ""
	if len(leaders) > 0 {
		dbLeader = leaders[0].InstanceID
	}

	st := c.sync.Stats()
	info := LeaderInfo{
		LeaseHolder: holder,
		DBLeader:    dbLeader,
		InstanceID:  c.instanceID,
		IsSelf:      holder == c.instanceID,
		SplitBrain:  len(leaders) > 1 || (dbLeader != "" && holder != "" && dbLeader != holder),
		Metrics: SyncMetrics{
			DBSyncSuccess:     st.success,
			DBSyncFailure:     st.failure,
			DBSyncFailureRate: st.failureRate,
			DBSyncAvgLatency:  st.avg,
			DBSyncMaxLatency:  st.max,
		},
	}
	c.mu.RLock()
	info.IsLeader = c.isLeader
	info.Metrics.LeadershipChanges = c.changes
	if !c.lastHeartbeat.IsZero() {
		hb := c.lastHeartbeat
		info.Metrics.LastHeartbeat = &hb
	}
	if c.isLeader && !c.acquiredAt.IsZero() {
		at := c.acquiredAt
		info.AcquiredAt = &at
	}
	c.mu.RUnlock()
	return info, nil
}
