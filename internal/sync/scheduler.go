package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checkpoint keys written by the scheduler.
const (
	CheckpointLastPass    = "sync.last_pass"
	CheckpointLastSuccess = "sync.last_success"
)

// maxBackoffFactor caps the scheduler's retry backoff at this multiple of
// the base interval.
const maxBackoffFactor = 8

type passRunner interface {
	SyncAll(ctx context.Context) *PassResult
}

type pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// HealthReporter receives the scheduler's view of remote reachability.
type HealthReporter interface {
	Degrade(reason string)
	Recover()
}

// CheckpointStore persists pass progress markers.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, key, value string) error
}

// Scheduler runs periodic sync passes. Retryable passes back off
// exponentially up to maxBackoffFactor times the interval; any other
// outcome resets to the base interval.
type Scheduler struct {
	engine      passRunner
	pruner      pruner
	health      HealthReporter
	checkpoints CheckpointStore
	interval    time.Duration
	retention   time.Duration
	logger      *zap.Logger

	failures int
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a Scheduler. health and checkpoints may be nil.
func NewScheduler(engine passRunner, p pruner, health HealthReporter, checkpoints CheckpointStore, interval, retention time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:      engine,
		pruner:      p,
		health:      health,
		checkpoints: checkpoints,
		interval:    interval,
		retention:   retention,
		logger:      logger,
		kick:        make(chan struct{}, 1),
	}
}

// Start begins the pass loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Trigger requests a pass as soon as possible.
func (s *Scheduler) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		timer.Reset(s.RunOnce(ctx))
	}
}

// RunOnce performs one pass plus pruning and returns the delay before the
// next pass.
func (s *Scheduler) RunOnce(ctx context.Context) time.Duration {
	pass := s.engine.SyncAll(ctx)
	now := time.Now().UTC().Format(time.RFC3339)

	if s.checkpoints != nil {
		if err := s.checkpoints.PutCheckpoint(ctx, CheckpointLastPass, now+" "+pass.Outcome.String()); err != nil {
			s.logger.Warn("failed to write checkpoint", zap.Error(err))
		}
		if pass.OK() {
			_ = s.checkpoints.PutCheckpoint(ctx, CheckpointLastSuccess, now)
		}
	}

	if _, err := s.pruner.Prune(ctx, s.retention); err != nil {
		s.logger.Warn("prune failed", zap.Error(err))
	}

	if pass.Outcome == Retryable {
		s.failures++
		if s.health != nil {
			s.health.Degrade("sync pass retryable")
		}
		delay := s.interval << min(s.failures, 3)
		delay = min(delay, s.interval*maxBackoffFactor)
		s.logger.Warn("sync pass will retry", zap.Int("failures", s.failures), zap.Duration("delay", delay), zap.Error(pass.Errors()))
		return delay
	}

	s.failures = 0
	if s.health != nil {
		s.health.Recover()
	}
	return s.interval
}
