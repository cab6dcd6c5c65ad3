package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

type fakeConflict struct{}

func (fakeConflict) Error() string  { return "conflict" }
func (fakeConflict) Conflict() bool { return true }

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "ledger_conflict",
			err:  fmt.Errorf("reset account: %w", fakeConflict{}),
			want: SchedulerJobReasonLedgerConflict,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(fakeConflict{}) {
		t.Fatalf("expected conflict to be retryable")
	}
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("boom")) {
		t.Fatalf("expected plain error to be terminal")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewSchedulerMetrics(registry, Config{
		ServiceName: "creditledger",
		Environment: "test",
	})

	metrics.AddBatchProcessed("annual_reset", 3)
	metrics.AddBatchProcessed("annual_reset", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("annual_reset"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}
