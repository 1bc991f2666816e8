package oauth2

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/locks"
	"oauth-refresher/internal/metrics"
)

// SweeperLockName identifies the sweeper's leader lock.
const SweeperLockName = "oauth-refresher"

// DueLister lists connections that need a refresh soon.
type DueLister interface {
	ListRefreshDue(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// TokenSource is what the sweeper drives; *Engine implements it.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, connectionID string) (*AccessToken, error)
}

// LeaderLocker grants the sweeper exclusive leadership for one pass.
// *locks.RedsyncManager implements it.
type LeaderLocker interface {
	AcquireSweeperLock(ctx context.Context, sweeperID string, expiration time.Duration) (locks.Lock, error)
}

// SweeperConfig controls the proactive refresh schedule.
type SweeperConfig struct {
	// Schedule is a cron spec, e.g. "@every 1m" or "*/5 * * * *".
	Schedule string
	// BatchSize caps connections visited per pass.
	BatchSize int
	// Lookahead selects connections expiring within this window.
	Lookahead time.Duration
	// LeaderTTL is the leader lock expiry; it is renewed while a pass runs.
	LeaderTTL time.Duration
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Due       int
	Refreshed int
	Current   int
	Failed    int
	Skipped   bool
	// LeadershipLost is set when the leader lock lapsed mid-pass and the
	// remaining connections were left to the new leader.
	LeadershipLost bool
}

// Sweeper refreshes soon-to-expire tokens in the background so interactive
// callers rarely pay for a refresh.
type Sweeper struct {
	lister  DueLister
	tokens  TokenSource
	leader  LeaderLocker
	config  SweeperConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithLeaderLock restricts passes to the instance holding the leader lock.
func WithLeaderLock(leader LeaderLocker) SweeperOption {
	return func(s *Sweeper) {
		s.leader = leader
	}
}

// WithSweeperMetrics enables instrumentation.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithSweeperClock overrides the time source.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper validates the schedule and creates a stopped sweeper.
func NewSweeper(lister DueLister, tokens TokenSource, config SweeperConfig, opts ...SweeperOption) (*Sweeper, error) {
	if config.BatchSize <= 0 {
		return nil, errors.ValidationError("sweep batch size must be positive")
	}
	if config.Lookahead <= 0 {
		config.Lookahead = DefaultRefreshThreshold
	}
	if config.LeaderTTL <= 0 {
		config.LeaderTTL = time.Minute
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, errors.ValidationError("invalid sweep schedule").
			WithContext("schedule", config.Schedule).
			WithContext("error", err.Error())
	}

	s := &Sweeper{
		lister: lister,
		tokens: tokens,
		config: config,
		now:    time.Now,
		logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "sweeper"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules passes until Stop is called. Passes never overlap.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.config.Schedule, s.runScheduled); err != nil {
		s.cancel()
		return errors.ValidationError("invalid sweep schedule").WithContext("error", err.Error())
	}

	s.cron = c
	s.running = true
	c.Start()

	s.logger.Info("Sweeper started",
		logging.Field{Key: "schedule", Value: s.config.Schedule},
		logging.Field{Key: "batch_size", Value: s.config.BatchSize},
		logging.Bool("leader_election", s.leader != nil),
	)
	return nil
}

// Stop cancels any running pass and waits for it to return or for ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	stopped := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopped.Done():
		s.logger.Info("Sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	result, err := s.RunOnce(ctx)
	if err != nil {
		if !stderrors.Is(err, context.Canceled) {
			s.logger.Error("Sweep failed", err)
		}
		return
	}
	if result.Due > 0 {
		s.logger.Info("Sweep completed",
			logging.Field{Key: "due", Value: result.Due},
			logging.Field{Key: "refreshed", Value: result.Refreshed},
			logging.Field{Key: "current", Value: result.Current},
			logging.Field{Key: "failed", Value: result.Failed},
		)
	}
}

// RunOnce performs one pass: list due connections and ask for a valid token
// for each, serially. Individual failures are counted, not returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	var lock locks.Lock
	if s.leader != nil {
		var err error
		lock, err = s.leader.AcquireSweeperLock(ctx, SweeperLockName, s.config.LeaderTTL)
		if err != nil {
			if stderrors.Is(err, locks.ErrNotAcquired) {
				s.logger.Debug("Another instance leads the sweep, skipping")
				s.metrics.RecordSweepRun("skipped")
				result.Skipped = true
				return result, nil
			}
			s.metrics.RecordSweepRun("error")
			return result, err
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				s.logger.Warn("Failed to release sweeper leader lock", logging.Err(err))
			}
		}()
	}

	ids, err := s.lister.ListRefreshDue(ctx, s.now().Add(s.config.Lookahead), s.config.BatchSize)
	if err != nil {
		s.metrics.RecordSweepRun("error")
		return result, errors.InternalError("failed to list connections due for refresh", err)
	}
	result.Due = len(ids)

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if lock != nil && !lock.IsHeld() {
			s.logger.Warn("Leader lock lost, abandoning sweep",
				logging.Field{Key: "visited", Value: i},
				logging.Field{Key: "remaining", Value: len(ids) - i},
			)
			result.LeadershipLost = true
			s.metrics.RecordSweepRun("leadership_lost")
			return result, nil
		}

		token, err := s.tokens.GetValidAccessToken(ctx, id)
		switch {
		case err != nil:
			result.Failed++
			s.metrics.RecordSweepRefresh("failed")
			s.logger.Warn("Proactive refresh failed",
				logging.Field{Key: "connection_id", Value: id},
				logging.Field{Key: "error", Value: err.Error()},
			)
		case token.Refreshed:
			result.Refreshed++
			s.metrics.RecordSweepRefresh("refreshed")
		default:
			result.Current++
			s.metrics.RecordSweepRefresh("current")
		}
	}

	s.metrics.RecordSweepRun("success")
	return result, ctx.Err()
}

// cronLogger routes cron's internal logging to the application logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, err, kvFields(keysAndValues)...)
}

func kvFields(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logging.Field{Key: key, Value: keysAndValues[i+1]})
	}
	return fields
}
