package ha

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/metrics"
)

// fakeInstanceStore records calls in order so demote sequencing is
// checkable.
type fakeInstanceStore struct {
	mu      sync.Mutex
	events  []string
	leaders []domain.InstanceMetadata

	onClearFlag func()
}

func (f *fakeInstanceStore) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeInstanceStore) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeInstanceStore) UpsertHeartbeat(context.Context, *domain.InstanceMetadata) error {
	f.record("heartbeat")
	return nil
}

func (f *fakeInstanceStore) SetLeaderFlag(_ context.Context, _ string, isLeader bool, _ time.Time) error {
	if isLeader {
		f.record("flag_set")
	} else {
		if f.onClearFlag != nil {
			f.onClearFlag()
		}
		f.record("flag_cleared")
	}
	return nil
}

func (f *fakeInstanceStore) FreshLeaders(context.Context, time.Duration) ([]domain.InstanceMetadata, error) {
	return f.leaders, nil
}

func (f *fakeInstanceStore) RecordLeadershipAcquired(_ context.Context, _, _ string, _ time.Time) error {
	f.record("history_acquired")
	return nil
}

func (f *fakeInstanceStore) RecordLeadershipReleased(_ context.Context, _ string, _ time.Time) error {
	f.record("history_released")
	return nil
}

func testHAConfig(t *testing.T) config.HAConfig {
	t.Helper()
	return config.HAConfig{
		Enabled:            true,
		LeaderTTL:          10 * time.Second,
		SplitBrainInterval: 50 * time.Second,
		StaleHeartbeat:     30 * time.Second,
		IDFile:             filepath.Join(t.TempDir(), "instance.id"),
	}
}

func newTestCoordinator(t *testing.T, store *fakeInstanceStore) (*Coordinator, redismock.ClientMock, *metrics.Metrics) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	m := metrics.NewForTest()
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))

	c, err := NewCoordinator(rdb, store, testHAConfig(t), clk, m, zerolog.Nop())
	require.NoError(t, err)
	return c, mock, m
}

func TestTryBecomeLeader_AcquiresLease(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, m := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)

	ok, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsLeader())
	assert.Equal(t, []string{"flag_set", "history_acquired"}, store.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeadershipChanges))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryBecomeLeader_LeaseHeldElsewhere(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, _ := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(false)

	ok, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.IsLeader())
	assert.Empty(t, store.Events())
}

func TestRenewLeadership_ExtendsOwnLease(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, _ := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	mock.ExpectEval(renewScript, []string{LeaderKey}, c.InstanceID(), 10).SetVal(int64(1))
	require.NoError(t, c.RenewLeadership(context.Background()))
	assert.True(t, c.IsLeader())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewLeadership_LostLeaseDemotes(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, _ := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	mock.ExpectEval(renewScript, []string{LeaderKey}, c.InstanceID(), 10).SetVal(int64(0))
	require.NoError(t, c.RenewLeadership(context.Background()))

	assert.False(t, c.IsLeader())
	assert.Contains(t, store.Events(), "flag_cleared")
	assert.Contains(t, store.Events(), "history_released")
}

func TestReleaseLeadership_LockReleasedBeforeFlagCleared(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, _ := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	mock.ExpectEval(releaseScript, []string{LeaderKey}, c.InstanceID()).SetVal(int64(1))

	// The lease must be gone before the database flag is touched.
	store.onClearFlag = func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	}

	c.ReleaseLeadership(context.Background())
	assert.False(t, c.IsLeader())
}

func TestDetectSplitBrain_StaleClaimantDemotes(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, m := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	now := time.Now()
	store.leaders = []domain.InstanceMetadata{
		{InstanceID: c.InstanceID(), IsLeader: true, LastHeartbeat: now},
		{InstanceID: "other-uuid-1234", IsLeader: true, LastHeartbeat: now},
	}

	mock.ExpectGet(LeaderKey).SetVal("other-uuid-1234")
	mock.ExpectEval(releaseScript, []string{LeaderKey}, c.InstanceID()).SetVal(int64(0))

	require.NoError(t, c.DetectSplitBrain(context.Background()))

	assert.False(t, c.IsLeader())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SplitBrainEvents))
	assert.Contains(t, store.Events(), "flag_cleared")
}

func TestDetectSplitBrain_SingleLeaderClean(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, m := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	store.leaders = []domain.InstanceMetadata{
		{InstanceID: c.InstanceID(), IsLeader: true, LastHeartbeat: time.Now()},
	}
	mock.ExpectGet(LeaderKey).SetVal(c.InstanceID())

	require.NoError(t, c.DetectSplitBrain(context.Background()))
	assert.True(t, c.IsLeader())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SplitBrainEvents))
}

func TestLeaderInfo_ReportsBothViewsAndSyncSnapshot(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, m := newTestCoordinator(t, store)

	mock.ExpectSetNX(LeaderKey, c.InstanceID(), 10*time.Second).SetVal(true)
	_, err := c.TryBecomeLeader(context.Background())
	require.NoError(t, err)

	c.heartbeat(context.Background())
	store.leaders = []domain.InstanceMetadata{
		{InstanceID: c.InstanceID(), IsLeader: true, LastHeartbeat: time.Now()},
	}
	mock.ExpectGet(LeaderKey).SetVal(c.InstanceID())

	info, err := c.LeaderInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, c.InstanceID(), info.LeaseHolder)
	assert.Equal(t, c.InstanceID(), info.DBLeader)
	assert.True(t, info.IsSelf)
	assert.True(t, info.IsLeader)
	assert.False(t, info.SplitBrain)
	require.NotNil(t, info.AcquiredAt)

	assert.Equal(t, int64(1), info.Metrics.DBSyncSuccess)
	assert.Zero(t, info.Metrics.DBSyncFailure)
	assert.Zero(t, info.Metrics.DBSyncFailureRate)
	assert.Equal(t, int64(1), info.Metrics.LeadershipChanges)
	require.NotNil(t, info.Metrics.LastHeartbeat)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBSyncSuccess))
}

func TestLeaderInfo_FlagsSplitBrain(t *testing.T) {
	store := &fakeInstanceStore{}
	c, mock, _ := newTestCoordinator(t, store)

	now := time.Now()
	store.leaders = []domain.InstanceMetadata{
		{InstanceID: "other-uuid-1234", IsLeader: true, LastHeartbeat: now},
		{InstanceID: c.InstanceID(), IsLeader: true, LastHeartbeat: now},
	}
	mock.ExpectGet(LeaderKey).SetVal("other-uuid-1234")

	info, err := c.LeaderInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "other-uuid-1234", info.LeaseHolder)
	assert.Equal(t, "other-uuid-1234", info.DBLeader)
	assert.True(t, info.SplitBrain)
	assert.False(t, info.IsSelf)
	assert.False(t, info.IsLeader)
}

func TestLoadInstanceID_PersistsUUIDAcrossRestarts(t *testing.T) {
	idFile := filepath.Join(t.TempDir(), "instance.id")

	first, err := LoadInstanceID(idFile)
	require.NoError(t, err)
	second, err := LoadInstanceID(idFile)
	require.NoError(t, err)

	// Same process, same pid: identical composite ids from the same file.
	assert.Equal(t, first, second)

	uuidPart, pidPart := SplitInstanceID(first)
	assert.NotEmpty(t, pidPart)
	assert.Len(t, uuidPart, 36)
}

func TestSplitInstanceID(t *testing.T) {
	uuidPart, pidPart := SplitInstanceID("123e4567-e89b-12d3-a456-426614174000-4242")
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", uuidPart)
	assert.Equal(t, "4242", pidPart)

	// A bare UUID has no pid suffix to strip.
	uuidPart, pidPart = SplitInstanceID("123e4567-e89b-12d3-a456-426614174000")
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", uuidPart)
	assert.Empty(t, pidPart)
}
