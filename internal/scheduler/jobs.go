package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	"go.uber.org/zap"
)

// RunAnnualReset zeroes usage and one-time credits for every account not yet
// reset in the UTC calendar year of asOf. It returns the number of accounts
// changed by this call.
func (s *Scheduler) RunAnnualReset(ctx context.Context, asOf time.Time) (int, error) {
	asOf = asOf.UTC()
	year := asOf.Year()
	ctx, run := s.startJobRun(ctx, JobAnnualReset, s.cfg.BatchSize)

	return s.sweep(ctx, run, func(afterID snowflake.ID) ([]snowflake.ID, error) {
		return s.ledgerSvc.ListAnnualResetDue(ctx, year, afterID, s.cfg.BatchSize)
	}, func(a *ledgerdomain.Account) error {
		// Re-checked on every attempt: a concurrent run may have reset it.
		if a.LastAnnualResetYear >= year {
			return ledgerdomain.ErrNoChange
		}
		a.ItemsUsed = 0
		a.OneTimeCredits = 0
		a.LastAnnualResetYear = year
		refreshed := asOf
		a.LastCreditRefreshDate = &refreshed
		return nil
	})
}

// ExpireCanceledSubscriptions downgrades canceled accounts whose paid period
// has ended to the Free tier. Usage and credits are kept.
func (s *Scheduler) ExpireCanceledSubscriptions(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	ctx, run := s.startJobRun(ctx, JobExpireCanceledSubs, s.cfg.BatchSize)

	freeLimit, ok := s.catalog.Get().LimitFor(string(ledgerdomain.TierFree))
	if !ok {
		return 0, ledgerdomain.ErrInvalidTier
	}

	return s.sweep(ctx, run, func(afterID snowflake.ID) ([]snowflake.ID, error) {
		return s.ledgerSvc.ListCanceledExpired(ctx, now, afterID, s.cfg.BatchSize)
	}, func(a *ledgerdomain.Account) error {
		if a.SubscriptionStatus != ledgerdomain.SubscriptionStatusCanceled ||
			a.Tier == ledgerdomain.TierFree ||
			a.SubscriptionRenewalDate == nil ||
			a.SubscriptionRenewalDate.After(now) {
			return ledgerdomain.ErrNoChange
		}
		a.Tier = ledgerdomain.TierFree
		a.ItemsLimit = freeLimit
		return nil
	})
}

// sweep pages through ids ordered ascending and applies mutation to each.
// Accounts that fail are logged and skipped so one bad row does not stall the job.
func (s *Scheduler) sweep(
	ctx context.Context,
	run *jobRun,
	list func(afterID snowflake.ID) ([]snowflake.ID, error),
	mutation ledgerdomain.Mutation,
) (int, error) {
	var (
		processed int
		jobErr    error
		afterID   snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return processed, errors.Join(jobErr, err)
		}
		ids, err := list(afterID)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.batch.fetch_failed", 0, err)
			return processed, errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			return processed, jobErr
		}

		for _, id := range ids {
			changed := false
			_, err := s.ledgerSvc.Mutate(ctx, id, func(a *ledgerdomain.Account) error {
				changed = false
				if err := mutation(a); err != nil {
					return err
				}
				changed = true
				return nil
			})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.account.process_failed", id, err)
				continue
			}
			if changed {
				processed++
				s.logger(ctx).Debug("scheduler.account.processed",
					zap.String("job", run.job),
					zap.String("account_id", id.String()),
				)
			}
		}
		afterID = ids[len(ids)-1]
	}
}
