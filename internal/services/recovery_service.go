package services

import (
	"context"
	"sync"
	"time"

	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/metrics"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RecoveryService resolves jobs a crashed or timed-out request left behind
// and keeps retrying compensations that were escalated.
type RecoveryService struct {
	engine *GenerationService
	jobs   JobStore
	cfg    *config.GenerationConfig
	cron   *cron.Cron
	mu     sync.Mutex
	log    zerolog.Logger
}

func NewRecoveryService(engine *GenerationService, jobs JobStore, cfg *config.GenerationConfig, logger zerolog.Logger) *RecoveryService {
	return &RecoveryService{
		engine: engine,
		jobs:   jobs,
		cfg:    cfg,
		cron:   cron.New(),
		log:    logger.With().Str("component", "recovery").Logger(),
	}
}

// Start schedules the sweep. Overlapping runs are skipped.
func (r *RecoveryService) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.SweepSchedule, func() {
		if !r.mu.TryLock() {
			r.log.Debug().Msg("previous sweep still running")
			return
		}
		defer r.mu.Unlock()
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info().Str("schedule", r.cfg.SweepSchedule).Msg("recovery sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (r *RecoveryService) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one recovery pass.
func (r *RecoveryService) Sweep(ctx context.Context) {
	r.sweepStale(ctx)
	r.sweepPendingCompensation(ctx)
}

func (r *RecoveryService) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.StaleJobGrace)
	stale, err := r.jobs.ListStale(ctx, cutoff, r.cfg.SweepBatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list stale jobs")
		return
	}

	for i := range stale {
		job := &stale[i]
		logger := r.log.With().Str("job_id", job.ID).Str("status", string(job.Status)).Logger()

		if job.Status == models.JobArtifactsSaved {
			completed, err := r.jobs.Transition(ctx, job.ID, models.JobArtifactsSaved, models.JobCompleted, models.JobUpdate{})
			if err != nil {
				logger.Warn().Err(err).Msg("failed to complete stale job")
				continue
			}
			metrics.RecordRecovery("completed")
			r.engine.finish(ctx, completed)
			logger.Info().Msg("stale job completed")
			continue
		}

		failed, ok := r.engine.failJob(ctx, job, job.Status, models.ReasonAbandoned, true)
		if !ok {
			logger.Warn().Str("current_status", string(failed.Status)).Msg("stale job already handled")
			continue
		}
		metrics.RecordRecovery("abandoned")
		r.engine.finish(ctx, failed)
		logger.Info().Bool("compensation_pending", failed.CompensationPending).Msg("stale job failed")
	}
}

func (r *RecoveryService) sweepPendingCompensation(ctx context.Context) {
	pending, err := r.jobs.ListPendingCompensation(ctx, r.cfg.SweepBatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list jobs pending compensation")
		return
	}

	for i := range pending {
		job := &pending[i]
		reason := models.ReasonAbandoned
		if job.FailureReason != nil {
			reason = *job.FailureReason
		}
		if err := r.engine.compensate(ctx, job, reason); err != nil {
			metrics.RecordRecovery("compensation_failed")
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("compensation still failing")
			continue
		}
		metrics.RecordRecovery("compensated")
	}
}
