package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	"github.com/scrapexi/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobAnnualReset        = "annual_reset"
	JobExpireCanceledSubs = "expire_canceled_subs"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	LedgerSvc    ledgerdomain.Service
	Catalog      config.CatalogReader
	GenID        *snowflake.Node
	Clock        clock.Clock
	Locker       *ratelimit.Locker            `optional:"true"`
	SchedMetrics *obsmetrics.SchedulerMetrics `optional:"true"`
	Config       Config                       `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	ledgerSvc    ledgerdomain.Service
	catalog      config.CatalogReader
	genID        *snowflake.Node
	clock        clock.Clock
	locker       *ratelimit.Locker
	schedMetrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.LedgerSvc == nil || p.Catalog == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	schedMetrics := p.SchedMetrics
	if schedMetrics == nil {
		schedMetrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		ledgerSvc:    p.LedgerSvc,
		catalog:      p.Catalog,
		genID:        p.GenID,
		clock:        p.Clock,
		locker:       p.Locker,
		schedMetrics: schedMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	lease, ok, err := s.acquire(ctx, name)
	if err != nil {
		s.schedMetrics.IncJobError(name, err)
		return fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !ok {
		s.schedMetrics.IncJobSkipped(name)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}
	defer s.release(lease)

	ctx, run := s.startJobRun(ctx, name, s.cfg.BatchSize)
	s.logJobStart(ctx, run)
	s.schedMetrics.IncJobRun(name)

	processed, err := fn(ctx)
	run.AddProcessed(processed)
	s.schedMetrics.AddBatchProcessed(name, processed)
	s.schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick resumes where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.schedMetrics.IncJobTimeout(name)
	}
	s.schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every job once. The annual reset has no calendar gate: it is a
// no-op once all accounts carry the current year, so a late run catches up.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{JobAnnualReset, func(ctx context.Context) (int, error) {
			return s.RunAnnualReset(ctx, s.clock.Now())
		}},
		{JobExpireCanceledSubs, func(ctx context.Context) (int, error) {
			return s.ExpireCanceledSubscriptions(ctx, s.clock.Now())
		}},
	}

	var err error
	for _, job := range jobs {
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		err = errors.Join(err, s.runJob(parent, job.name, job.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) acquire(ctx context.Context, job string) (ratelimit.Lease, bool, error) {
	if s.locker == nil {
		return ratelimit.Lease{}, true, nil
	}
	return s.locker.TryLock(ctx, lockKey(job), s.cfg.LockTTL)
}

func (s *Scheduler) release(lease ratelimit.Lease) {
	if s.locker == nil {
		return
	}
	// The job context may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, lease); err != nil {
		s.log.Warn("scheduler.lock.release_failed", zap.String("key", lease.Key), zap.Error(err))
	}
}

func lockKey(job string) string {
	return "creditledger:scheduler:" + job
}
