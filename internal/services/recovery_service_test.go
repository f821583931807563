package services

import (
	"context"
	"testing"
	"time"

	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, jobs *MemoryJobStore, id string, path ...models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, &models.Job{
		ID:             id,
		AccountID:      "acct-1",
		ToolIdentifier: "ai-model",
		RequestedCost:  15,
		Deadline:       time.Now().Add(-time.Minute),
	}))
	seedTransitions(t, jobs, id, append([]models.JobStatus{models.JobPending}, path...)...)
}

// seedTransitions walks the job along path, starting from path[0].
func seedTransitions(t *testing.T, jobs *MemoryJobStore, id string, path ...models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	from := path[0]
	for _, to := range path[1:] {
		update := models.JobUpdate{}
		if to == models.JobArtifactsSaved {
			update.ArtifactRefs = []models.ArtifactRef{{Key: "abc.png", ContentType: "image/png", Size: 3}}
		}
		_, err := jobs.Transition(ctx, id, from, to, update)
		require.NoError(t, err)
		from = to
	}
}

func TestRecoveryService_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("abandoned debited job is failed and refunded", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-1", models.JobDebited, models.JobProviderCalled)
		_, err := ledger.ReserveAndDebit(ctx, "acct-1", 15, "job-1")
		require.NoError(t, err)

		NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop()).Sweep(ctx)

		job, err := f.jobs.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, job.Status)
		require.NotNil(t, job.FailureReason)
		assert.Equal(t, models.ReasonAbandoned, *job.FailureReason)
		assert.False(t, job.CompensationPending)

		balance, _ := ledger.GetBalance(ctx, "acct-1")
		assert.Equal(t, int64(100), balance)
		assertReplayMatches(t, ledger, "acct-1")
	})

	t.Run("pending job without a debit fails cleanly", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-2")

		NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop()).Sweep(ctx)

		job, err := f.jobs.Get(ctx, "job-2")
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, job.Status)
		assert.False(t, job.CompensationPending)
		assert.Empty(t, entriesForJob(t, ledger, "acct-1", "job-2"))
	})

	t.Run("job with saved artifacts is completed", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-3", models.JobDebited, models.JobProviderCalled, models.JobArtifactsSaved)
		_, err := ledger.ReserveAndDebit(ctx, "acct-1", 15, "job-3")
		require.NoError(t, err)

		NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop()).Sweep(ctx)

		job, err := f.jobs.Get(ctx, "job-3")
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, job.Status)
		assert.Len(t, job.ArtifactRefs, 1)

		balance, _ := ledger.GetBalance(ctx, "acct-1")
		assert.Equal(t, int64(85), balance)
	})

	t.Run("jobs within their deadline are left alone", func(t *testing.T) {
		f := newEngine(t, fundedLedger(t, "acct-1", 100), &MockProvider{}, nil)
		require.NoError(t, f.jobs.Create(ctx, &models.Job{
			ID: "job-4", AccountID: "acct-1", ToolIdentifier: "ai-model", RequestedCost: 15,
			Deadline: time.Now().Add(time.Minute),
		}))

		NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop()).Sweep(ctx)

		job, err := f.jobs.Get(ctx, "job-4")
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, job.Status)
	})
}

func TestRecoveryService_StartStop(t *testing.T) {
	f := newEngine(t, NewMemoryLedgerStore(), &MockProvider{}, nil)

	bad := testGenerationConfig()
	bad.SweepSchedule = "not a schedule"
	assert.Error(t, NewRecoveryService(f.engine, f.jobs, bad, zerolog.Nop()).Start(context.Background()))

	svc := NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()
}

func TestGenerationService_StaleFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("job completed after the sweep snapshot keeps its debit", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-1", models.JobDebited, models.JobProviderCalled)
		_, err := ledger.ReserveAndDebit(ctx, "acct-1", 15, "job-1")
		require.NoError(t, err)

		snapshot, err := f.jobs.Get(ctx, "job-1")
		require.NoError(t, err)
		seedTransitions(t, f.jobs, "job-1", models.JobProviderCalled, models.JobArtifactsSaved, models.JobCompleted)

		current, recorded := f.engine.failJob(ctx, snapshot, snapshot.Status, models.ReasonAbandoned, true)
		assert.False(t, recorded)
		assert.Equal(t, models.JobCompleted, current.Status)

		balance, _ := ledger.GetBalance(ctx, "acct-1")
		assert.Equal(t, int64(85), balance)
		assert.Empty(t, entriesForJob(t, ledger, "acct-1", "job-1")[models.EntryCompensation])
	})

	t.Run("sweeper and live request both failing a job refund once", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-2", models.JobDebited, models.JobProviderCalled)
		_, err := ledger.ReserveAndDebit(ctx, "acct-1", 15, "job-2")
		require.NoError(t, err)

		snapshot, err := f.jobs.Get(ctx, "job-2")
		require.NoError(t, err)
		f.engine.fail(ctx, snapshot, models.JobProviderCalled, models.ReasonProviderUnavailable, true)

		current, recorded := f.engine.failJob(ctx, snapshot, snapshot.Status, models.ReasonAbandoned, true)
		assert.False(t, recorded)
		assert.Equal(t, models.JobFailed, current.Status)
		require.NotNil(t, current.FailureReason)
		assert.Equal(t, models.ReasonProviderUnavailable, *current.FailureReason)

		balance, _ := ledger.GetBalance(ctx, "acct-1")
		assert.Equal(t, int64(100), balance)
		assert.Len(t, entriesForJob(t, ledger, "acct-1", "job-2")[models.EntryCompensation], 1)
	})

	t.Run("debit landing after the sweeper failed the job is refunded", func(t *testing.T) {
		ledger := fundedLedger(t, "acct-1", 100)
		f := newEngine(t, ledger, &MockProvider{}, nil)
		seedJob(t, f.jobs, "job-3")
		job, err := f.jobs.Get(ctx, "job-3")
		require.NoError(t, err)

		NewRecoveryService(f.engine, f.jobs, testGenerationConfig(), zerolog.Nop()).Sweep(ctx)

		_, err = ledger.ReserveAndDebit(ctx, "acct-1", 15, "job-3")
		require.NoError(t, err)
		_, err = f.engine.advance(ctx, job, models.JobPending, models.JobDebited, models.JobUpdate{})
		require.ErrorIs(t, err, ErrStaleTransition)

		current, err := f.engine.abort(ctx, job, models.JobPending, err)
		var perr *ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ProviderTimeout, perr.Kind)
		assert.Equal(t, models.JobFailed, current.Status)

		balance, _ := ledger.GetBalance(ctx, "acct-1")
		assert.Equal(t, int64(100), balance)
		assert.Len(t, entriesForJob(t, ledger, "acct-1", "job-3")[models.EntryCompensation], 1)
		assertReplayMatches(t, ledger, "acct-1")
	})
}
