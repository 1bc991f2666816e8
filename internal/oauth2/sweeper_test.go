package oauth2

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/locks"
	"oauth-refresher/internal/redis"
)

func seedTenant(t *testing.T, h *harness, tenant string, expiresIn time.Duration, active bool) string {
	t.Helper()

	access, err := h.cipher.Encrypt("access-" + tenant)
	require.NoError(t, err)
	refresh, err := h.cipher.Encrypt("refresh-" + tenant)
	require.NoError(t, err)

	conn := &connections.Connection{
		TenantRef:    tenant,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    h.clock.Now().Add(expiresIn),
		IsActive:     active,
	}
	require.NoError(t, h.store.Create(context.Background(), conn))
	return conn.ID
}

func newTestSweeper(t *testing.T, h *harness, opts ...SweeperOption) *Sweeper {
	t.Helper()
	all := append([]SweeperOption{WithSweeperClock(h.clock.Now), WithSweeperMetrics(h.metrics)}, opts...)
	sweeper, err := NewSweeper(h.store, h.engine, SweeperConfig{
		Schedule:  "@every 1m",
		BatchSize: 10,
		Lookahead: 15 * time.Minute,
	}, all...)
	require.NoError(t, err)
	return sweeper
}

func TestSweeper_RunOnceRefreshesDueConnections(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{succeed("access-new", "refresh-new", 1800)}}
	h := newHarness(t, provider)

	soon := seedTenant(t, h, "soon", 5*time.Minute, true)
	sooner := seedTenant(t, h, "sooner", time.Minute, true)
	seedTenant(t, h, "later", 2*time.Hour, true)
	seedTenant(t, h, "inactive", time.Minute, false)

	sweeper := newTestSweeper(t, h)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Due: 2, Refreshed: 2}, result)
	assert.Equal(t, []string{"refresh-sooner", "refresh-soon"}, provider.received, "soonest first")

	for _, id := range []string{soon, sooner} {
		_, access, _ := h.stored(t, id)
		assert.Equal(t, "access-new", access)
	}

	result, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result, "nothing left to refresh")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SweepRuns.WithLabelValues("success")))
}

func TestSweeper_RunOnceCountsFailures(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{respond(http.StatusBadRequest, `{"error":"invalid_grant"}`)}}
	h := newHarness(t, provider)
	id := seedTenant(t, h, "dead", time.Minute, true)

	result, err := newTestSweeper(t, h).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Due: 1, Failed: 1}, result)

	conn, err := h.store.Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, conn.IsActive)
}

func TestSweeper_BatchSize(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{succeed("access-new", "refresh-new", 1800)}}
	h := newHarness(t, provider)
	for _, tenant := range []string{"a", "b", "c"} {
		seedTenant(t, h, tenant, time.Minute, true)
	}

	sweeper, err := NewSweeper(h.store, h.engine, SweeperConfig{Schedule: "@every 1m", BatchSize: 2},
		WithSweeperClock(h.clock.Now))
	require.NoError(t, err)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 2, provider.Calls())
}

type failingLister struct{}

func (failingLister) ListRefreshDue(context.Context, time.Time, int) ([]string, error) {
	return nil, stderrors.New("database is locked")
}

func TestSweeper_ListError(t *testing.T) {
	h := newHarness(t, &scriptedProvider{steps: []providerStep{succeed("a", "r", 1800)}})

	sweeper, err := NewSweeper(failingLister{}, h.engine, SweeperConfig{Schedule: "@every 1m", BatchSize: 5})
	require.NoError(t, err)

	_, err = sweeper.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestNewSweeper_Validation(t *testing.T) {
	h := newHarness(t, &scriptedProvider{steps: []providerStep{succeed("a", "r", 1800)}})

	_, err := NewSweeper(h.store, h.engine, SweeperConfig{Schedule: "every minute", BatchSize: 5})
	assert.Error(t, err)

	_, err = NewSweeper(h.store, h.engine, SweeperConfig{Schedule: "*/5 * * * *", BatchSize: 0})
	assert.Error(t, err)

	sweeper, err := NewSweeper(h.store, h.engine, SweeperConfig{Schedule: "*/5 * * * *", BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshThreshold, sweeper.config.Lookahead)
}

func newLeaderManager(t *testing.T, s *miniredis.Miniredis) *locks.RedsyncManager {
	t.Helper()
	client, err := redis.NewClient(&redis.Config{Address: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	manager, err := locks.NewRedsyncManager(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestSweeper_LeaderElection(t *testing.T) {
	s := miniredis.RunT(t)
	other := newLeaderManager(t, s)
	mine := newLeaderManager(t, s)

	provider := &scriptedProvider{steps: []providerStep{succeed("access-new", "refresh-new", 1800)}}
	h := newHarness(t, provider)
	seedTenant(t, h, "tenant", time.Minute, true)

	sweeper := newTestSweeper(t, h, WithLeaderLock(mine))
	ctx := context.Background()

	leaderLock, err := other.AcquireSweeperLock(ctx, SweeperLockName, time.Minute)
	require.NoError(t, err)

	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, provider.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SweepRuns.WithLabelValues("skipped")))

	require.NoError(t, leaderLock.Release(ctx))

	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Refreshed)
	assert.False(t, s.Exists("lock:sweeper:"+SweeperLockName), "leader lock released after the pass")
}

type countingLister struct {
	calls int32
}

func (l *countingLister) ListRefreshDue(context.Context, time.Time, int) ([]string, error) {
	atomic.AddInt32(&l.calls, 1)
	return nil, nil
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t, &scriptedProvider{steps: []providerStep{succeed("a", "r", 1800)}})
	lister := &countingLister{}

	sweeper, err := NewSweeper(lister, h.engine, SweeperConfig{Schedule: "@every 1s", BatchSize: 5})
	require.NoError(t, err)

	require.NoError(t, sweeper.Start())
	require.NoError(t, sweeper.Start(), "second start is a no-op")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&lister.calls) > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sweeper.Stop(ctx))
	require.NoError(t, sweeper.Stop(ctx), "second stop is a no-op")
}

type stubLeaderLock struct {
	held     atomic.Bool
	released atomic.Int32
}

func (l *stubLeaderLock) Key() string { return "sweeper:" + SweeperLockName }

func (l *stubLeaderLock) Release(context.Context) error {
	l.released.Add(1)
	l.held.Store(false)
	return nil
}

func (l *stubLeaderLock) IsHeld() bool { return l.held.Load() }

type stubLeader struct {
	lock *stubLeaderLock
}

func (l *stubLeader) AcquireSweeperLock(context.Context, string, time.Duration) (locks.Lock, error) {
	l.lock.held.Store(true)
	return l.lock, nil
}

// renewalFailure drops leadership after the first connection, the way a
// failed redsync extension does.
type renewalFailure struct {
	tokens TokenSource
	lock   *stubLeaderLock
}

func (r *renewalFailure) GetValidAccessToken(ctx context.Context, id string) (*AccessToken, error) {
	token, err := r.tokens.GetValidAccessToken(ctx, id)
	r.lock.held.Store(false)
	return token, err
}

func TestSweeper_StopsWhenLeadershipIsLost(t *testing.T) {
	provider := &scriptedProvider{steps: []providerStep{succeed("access-new", "refresh-new", 1800)}}
	h := newHarness(t, provider)
	for _, tenant := range []string{"a", "b", "c"} {
		seedTenant(t, h, tenant, time.Minute, true)
	}

	lock := &stubLeaderLock{}
	sweeper, err := NewSweeper(h.store, &renewalFailure{tokens: h.engine, lock: lock},
		SweeperConfig{Schedule: "@every 1m", BatchSize: 10},
		WithSweeperClock(h.clock.Now), WithSweeperMetrics(h.metrics), WithLeaderLock(&stubLeader{lock: lock}))
	require.NoError(t, err)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.LeadershipLost)
	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, 1, provider.Calls(), "no refreshes after leadership is gone")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SweepRuns.WithLabelValues("leadership_lost")))
	assert.Equal(t, int32(1), lock.released.Load())
}
