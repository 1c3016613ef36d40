package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mamadbah2/chanway/internal/config"
	"github.com/mamadbah2/chanway/internal/domain/models"
	"github.com/mamadbah2/chanway/internal/repository"
)

// Reconcile outcomes reported to the metrics hook.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeFailed    = "failed"
	OutcomeBackoff   = "backoff"
)

const (
	passTimeout    = 2 * time.Minute
	refreshTimeout = 30 * time.Second
	jitterPct      = 25
)

// Registry is the part of the instance registry the reconciler drives.
type Registry interface {
	List(ctx context.Context, caller models.Caller, filter repository.InstanceFilter) ([]models.ChannelInstance, error)
	RefreshStatus(ctx context.Context, caller models.Caller, id string) (*models.ChannelInstance, error)
	SweepQRCodes() int
}

// Metrics counts reconcile outcomes.
type Metrics interface {
	ReconcileRefresh(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ReconcileRefresh(string) {}

type backoff struct {
	failures int
	next     time.Time
}

// Scheduler periodically refreshes the provider status of every instance.
type Scheduler struct {
	cron     *cron.Cron
	registry Registry
	cfg      config.ReconcileConfig
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	backoff map[string]*backoff
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(cfg config.ReconcileConfig, registry Registry, metrics Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	logger = logger.Named("scheduler")

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})))

	return &Scheduler{
		cron:     c,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		backoff:  make(map[string]*backoff),
	}
}

// Start registers the reconcile job and starts the scheduler.
func (s *Scheduler) Start() error {
	s.logger.Info("starting scheduler", zap.String("schedule", s.cfg.Schedule))

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		s.Reconcile(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule status reconcile %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

// Reconcile runs one pass over every instance and returns how many were refreshed.
// A pass that starts while another is still running returns immediately.
func (s *Scheduler) Reconcile(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("reconcile pass still running, skipped")
		return 0
	}
	defer s.running.Store(false)

	items, err := s.registry.List(ctx, models.SystemCaller, repository.InstanceFilter{})
	if err != nil {
		s.logger.Error("failed to list instances for reconcile", zap.Error(err))
		return 0
	}
	s.forgetMissing(items)
	if n := s.registry.SweepQRCodes(); n > 0 {
		s.logger.Debug("expired qr codes swept", zap.Int("count", n))
	}

	refreshed := 0
	for _, inst := range items {
		if ctx.Err() != nil {
			break
		}
		if !s.due(inst.ID) {
			s.metrics.ReconcileRefresh(OutcomeBackoff)
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		updated, err := s.registry.RefreshStatus(rctx, models.SystemCaller, inst.ID)
		cancel()
		if err != nil {
			wait := s.fail(inst.ID)
			s.metrics.ReconcileRefresh(OutcomeFailed)
			s.logger.Warn("status refresh failed",
				zap.String("instance_id", inst.ID),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			continue
		}

		s.succeed(inst.ID)
		s.metrics.ReconcileRefresh(OutcomeRefreshed)
		refreshed++
		if updated.State != inst.State {
			s.logger.Info("instance state reconciled",
				zap.String("instance_id", inst.ID),
				zap.String("from", string(inst.State)),
				zap.String("to", string(updated.State)),
			)
		}
	}
	return refreshed
}

func (s *Scheduler) due(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoff[id]
	return !ok || !s.now().Before(b.next)
}

func (s *Scheduler) fail(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoff[id]
	if !ok {
		b = &backoff{}
		s.backoff[id] = b
	}
	b.failures++
	wait := retryDelay(s.cfg.BaseBackoff, s.cfg.MaxBackoff, b.failures)
	b.next = s.now().Add(wait)
	return wait
}

func (s *Scheduler) succeed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, id)
}

func (s *Scheduler) forgetMissing(items []models.ChannelInstance) {
	live := make(map[string]struct{}, len(items))
	for _, inst := range items {
		live[inst.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.backoff {
		if _, ok := live[id]; !ok {
			delete(s.backoff, id)
		}
	}
}

// retryDelay doubles base per consecutive failure, caps it and applies +/-25% jitter.
func retryDelay(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 1; i < failures && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return jitteredDelay(delay, max, jitterPct)
}

func jitteredDelay(base, cap time.Duration, pct int) time.Duration {
	delta := (rand.Float64()*2 - 1) * float64(pct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

// cronLogger routes cron's own diagnostics to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
