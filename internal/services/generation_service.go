package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pixelcredit/backend/internal/audit"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/metrics"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"
)

// GenerationDeps are the collaborators of the generation engine.
type GenerationDeps struct {
	Ledger    LedgerStore
	Jobs      JobStore
	Catalog   Catalog
	Provider  ProviderAdapter
	Artifacts ArtifactStore
	Stats     *ToolStatsService
	Audit     *audit.AuditLogger
	Alerter   audit.Alerter
}

// GenerationService drives a job through
// pending -> debited -> provider_called -> artifacts_saved -> completed,
// compensating the debit on every failure exit after it.
type GenerationService struct {
	ledger    LedgerStore
	jobs      JobStore
	catalog   Catalog
	provider  ProviderAdapter
	artifacts ArtifactStore
	stats     *ToolStatsService
	audit     *audit.AuditLogger
	alerter   audit.Alerter
	validator *RequestValidator
	slots     *semaphore.Weighted
	cfg       *config.GenerationConfig
	log       zerolog.Logger
}

func NewGenerationService(deps GenerationDeps, cfg *config.GenerationConfig, logger zerolog.Logger) *GenerationService {
	slots := cfg.MaxConcurrentProviders
	if slots <= 0 {
		slots = 1
	}
	auditLog := deps.Audit
	if auditLog == nil {
		auditLog = audit.NewAuditLogger(logger)
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = audit.NewRedisAlerter(nil, cfg.AlertChannel, logger)
	}

	return &GenerationService{
		ledger:    deps.Ledger,
		jobs:      deps.Jobs,
		catalog:   deps.Catalog,
		provider:  deps.Provider,
		artifacts: deps.Artifacts,
		stats:     deps.Stats,
		audit:     auditLog,
		alerter:   alerter,
		validator: NewRequestValidator(),
		slots:     semaphore.NewWeighted(slots),
		cfg:       cfg,
		log:       logger.With().Str("component", "generation").Logger(),
	}
}

// SubmitGeneration runs one generation to a terminal state. A failed job is
// returned together with the error that classifies its failure.
func (s *GenerationService) SubmitGeneration(ctx context.Context, req *models.GenerationRequest) (*models.JobResult, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	deadline, err := s.resolveDeadline(req.Deadline)
	if err != nil {
		return nil, err
	}

	digest, err := requestDigest(req.ToolIdentifier, req.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	existing, err := s.jobs.Get(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(existing, req.AccountID, digest)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	cost, err := s.catalog.GetCost(ctx, req.ToolIdentifier)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:                    req.IdempotencyKey,
		AccountID:             req.AccountID,
		ToolIdentifier:        req.ToolIdentifier,
		RequestedCost:         cost,
		ProviderRequestDigest: digest,
		Deadline:              deadline,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, ErrJobExists) {
			existing, getErr := s.jobs.Get(ctx, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, getErr)
			}
			return s.replay(existing, req.AccountID, digest)
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	logger := s.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).Str("tool", job.ToolIdentifier).Logger()
	logger.Info().Int64("cost", cost).Time("deadline", deadline).Msg("generation job created")

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	final, err := s.run(ctx, job, req.Input, logger)
	s.finish(ctx, final)
	return final.Result(), err
}

func (s *GenerationService) run(ctx context.Context, job *models.Job, input models.NormalizedInput, logger zerolog.Logger) (*models.Job, error) {
	entry, err := s.ledger.ReserveAndDebit(ctx, job.AccountID, job.RequestedCost, job.ID)
	metrics.RecordLedgerOp("debit", err)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrNotFound) {
			logger.Info().Msg("insufficient balance")
			return s.fail(ctx, job, models.JobPending, models.ReasonInsufficientBalance, false), ErrInsufficientBalance
		}
		logger.Error().Err(err).Msg("debit failed")
		return s.fail(ctx, job, models.JobPending, models.ReasonLedgerUnavailable, true), ErrServiceUnavailable
	}
	s.audit.LogDebit(job.ID, job.AccountID, entry.Amount, entry.BalanceAfter)

	job, err = s.advance(ctx, job, models.JobPending, models.JobDebited, models.JobUpdate{})
	if err != nil {
		return s.abort(ctx, job, models.JobPending, err)
	}

	job, err = s.advance(ctx, job, models.JobDebited, models.JobProviderCalled, models.JobUpdate{})
	if err != nil {
		return s.abort(ctx, job, models.JobDebited, err)
	}

	result, err := s.callProvider(ctx, job, input)
	if err != nil {
		perr := asProviderError(err)
		logger.Warn().Err(perr).Str("kind", string(perr.Kind)).Msg("provider call failed")
		return s.fail(ctx, job, models.JobProviderCalled, providerReason(perr.Kind), true), perr
	}

	refs := make([]models.ArtifactRef, 0, len(result.Artifacts))
	for _, artifact := range result.Artifacts {
		ref, err := s.artifacts.Save(ctx, artifact.Data, artifact.ContentType)
		if err != nil {
			logger.Error().Err(err).Msg("artifact write failed")
			return s.fail(ctx, job, models.JobProviderCalled, models.ReasonArtifactWriteFailed, true), ErrArtifactWriteFailed
		}
		refs = append(refs, ref)
	}

	job, err = s.advance(ctx, job, models.JobProviderCalled, models.JobArtifactsSaved, models.JobUpdate{
		ArtifactRefs:       refs,
		ModelIdentifier:    result.ModelIdentifier,
		ProviderDurationMs: result.Duration.Milliseconds(),
	})
	if err != nil {
		return s.abort(ctx, job, models.JobProviderCalled, err)
	}

	completed, err := s.complete(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("failed to finalize job, recovery will complete it")
		return job, ErrServiceUnavailable
	}

	logger.Info().Int("artifacts", len(refs)).Int("attempts", result.Attempts).Msg("generation completed")
	return completed, nil
}

func (s *GenerationService) callProvider(ctx context.Context, job *models.Job, input models.NormalizedInput) (*models.ProviderResult, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, newProviderError(ProviderTimeout, 0, err)
	}
	defer s.slots.Release(1)

	metrics.ProviderCallStarted()
	defer metrics.ProviderCallFinished()

	return s.provider.Generate(ctx, job.ToolIdentifier, input, job.Deadline)
}

// advance persists a guarded transition and returns the updated job.
func (s *GenerationService) advance(ctx context.Context, job *models.Job, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	next, err := s.jobs.Transition(context.WithoutCancel(ctx), job.ID, from, to, update)
	if err != nil {
		return job, err
	}
	return next, nil
}

// complete retries the final transition, which must not be lost once
// artifacts exist.
func (s *GenerationService) complete(ctx context.Context, job *models.Job) (*models.Job, error) {
	detached := context.WithoutCancel(ctx)
	return backoff.Retry(detached, func() (*models.Job, error) {
		next, err := s.jobs.Transition(detached, job.ID, models.JobArtifactsSaved, models.JobCompleted, models.JobUpdate{})
		if errors.Is(err, ErrStaleTransition) {
			return nil, backoff.Permanent(err)
		}
		return next, err
	}, s.compensationBackoff()...)
}

// abort handles a transition that could not be persisted after the debit.
func (s *GenerationService) abort(ctx context.Context, job *models.Job, from models.JobStatus, err error) (*models.Job, error) {
	if errors.Is(err, ErrStaleTransition) {
		detached := context.WithoutCancel(ctx)
		current, getErr := s.jobs.Get(detached, job.ID)
		if getErr != nil {
			return job, ErrServiceUnavailable
		}
		// The sweeper failed the job before this debit landed.
		if current.Status == models.JobFailed {
			reason := models.ReasonAbandoned
			if current.FailureReason != nil {
				reason = *current.FailureReason
			}
			if err := s.compensate(detached, current, reason); err != nil {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("compensation escalated")
			}
		}
		if !current.Status.IsTerminal() {
			return current, ErrServiceUnavailable
		}
		return current, reasonError(current)
	}
	s.log.Error().Err(err).Str("job_id", job.ID).Msg("job transition failed")
	return s.fail(ctx, job, from, models.ReasonLedgerUnavailable, true), ErrServiceUnavailable
}

// fail moves the job to failed and, when a debit may exist, compensates it.
// It runs on a context detached from the caller so an expired deadline
// never skips compensation.
func (s *GenerationService) fail(ctx context.Context, job *models.Job, from models.JobStatus, reason string, debited bool) *models.Job {
	failed, _ := s.failJob(ctx, job, from, reason, debited)
	return failed
}

// failJob reports whether this call recorded the failure. Compensation only
// runs against a stored failed job; a job that moved on to artifacts_saved
// or completed keeps its debit.
func (s *GenerationService) failJob(ctx context.Context, job *models.Job, from models.JobStatus, reason string, debited bool) (*models.Job, bool) {
	detached := context.WithoutCancel(ctx)
	logger := s.log.With().Str("job_id", job.ID).Str("reason", reason).Logger()

	failed, err := s.jobs.Transition(detached, job.ID, from, models.JobFailed, models.JobUpdate{
		FailureReason:       reason,
		CompensationPending: &debited,
	})
	recorded := true
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleTransition):
		current, getErr := s.jobs.Get(detached, job.ID)
		if getErr != nil {
			logger.Error().Err(getErr).Msg("failed to re-read job after stale transition")
			return job, false
		}
		if current.Status != models.JobFailed {
			logger.Warn().Str("status", string(current.Status)).Msg("job moved on before it could be failed")
			return current, false
		}
		failed = current
		recorded = false
	default:
		// Left non-terminal so the sweeper fails and refunds it later.
		logger.Error().Err(err).Msg("failed to record job failure")
		failed = cloneJob(job)
		failed.Status = models.JobFailed
		failed.FailureReason = &reason
		failed.CompensationPending = debited
		return failed, false
	}

	if debited {
		if err := s.compensate(detached, failed, reason); err != nil {
			logger.Error().Err(err).Msg("compensation escalated")
		}
	}
	return failed, recorded
}

// compensate refunds the job's debit with bounded retries and raises an
// operator alert when they run out. The recovery sweeper keeps retrying
// jobs left with compensation_pending.
func (s *GenerationService) compensate(ctx context.Context, job *models.Job, reason string) error {
	entry, err := backoff.Retry(ctx, func() (*models.LedgerEntry, error) {
		entry, err := s.ledger.Compensate(ctx, job.ID)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrAlreadyCompensated), errors.Is(err, ErrNotFound):
			return nil, nil
		default:
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("compensation attempt failed")
			return nil, err
		}
	}, s.compensationBackoff()...)
	metrics.RecordLedgerOp("compensate", err)

	if err != nil {
		metrics.RecordCompensationFailure()
		s.audit.LogCompensationFailed(job.ID, job.AccountID, job.RequestedCost, err)
		alertErr := s.alerter.Alert(ctx, audit.AuditEvent{
			EventType: audit.EventCompensationFailed,
			JobID:     job.ID,
			AccountID: job.AccountID,
			Amount:    job.RequestedCost,
			Status:    "FAILED",
			Details:   map[string]string{"reason": reason, "error": err.Error()},
		})
		if alertErr != nil {
			s.log.Error().Err(alertErr).Str("job_id", job.ID).Msg("failed to publish operator alert")
		}
		return fmt.Errorf("%w: job %s: %v", ErrCompensationFailed, job.ID, err)
	}

	if entry != nil {
		s.audit.LogCompensation(job.ID, entry.AccountID, entry.Amount, reason)
	}
	if err := s.jobs.ClearCompensationPending(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to clear compensation flag")
		return nil
	}
	job.CompensationPending = false
	return nil
}

func (s *GenerationService) compensationBackoff() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if s.cfg.CompensationBackoff > 0 {
		b.InitialInterval = s.cfg.CompensationBackoff
	}
	if s.cfg.CompensationMaxBackoff > 0 {
		b.MaxInterval = s.cfg.CompensationMaxBackoff
	}
	attempts := s.cfg.CompensationAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts))}
}

func (s *GenerationService) finish(ctx context.Context, job *models.Job) {
	if !job.Status.IsTerminal() {
		return
	}
	reason := ""
	if job.FailureReason != nil {
		reason = *job.FailureReason
	}
	metrics.RecordGeneration(job.ToolIdentifier, string(job.Status), reason, time.Since(job.CreatedAt))
	s.stats.RecordOutcome(context.WithoutCancel(ctx), job)
}

// replay answers a resubmitted idempotency key from the stored job.
func (s *GenerationService) replay(job *models.Job, accountID, digest string) (*models.JobResult, error) {
	if job.AccountID != accountID || job.ProviderRequestDigest != digest {
		return nil, ErrIdempotencyConflict
	}
	if !job.Status.IsTerminal() {
		return job.Result(), ErrInProgress
	}
	return job.Result(), reasonError(job)
}

func (s *GenerationService) resolveDeadline(requested time.Time) (time.Time, error) {
	now := time.Now()
	if requested.IsZero() {
		return now.Add(s.cfg.DefaultDeadline), nil
	}
	if !requested.After(now) {
		return time.Time{}, fmt.Errorf("%w: deadline already passed", ErrInvalidRequest)
	}
	if s.cfg.MaxDeadline > 0 && requested.Sub(now) > s.cfg.MaxDeadline {
		return now.Add(s.cfg.MaxDeadline), nil
	}
	return requested, nil
}

func (s *GenerationService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

func (s *GenerationService) ListJobs(ctx context.Context, accountID string, limit int) ([]models.Job, error) {
	return s.jobs.ListByAccount(ctx, accountID, limit)
}

// GetBalance reports zero for accounts that have never been credited.
func (s *GenerationService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	balance, err := s.ledger.GetBalance(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return balance, err
}

func (s *GenerationService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	entries, err := s.ledger.ListEntries(ctx, accountID, limit)
	if errors.Is(err, ErrNotFound) {
		return []models.LedgerEntry{}, nil
	}
	return entries, err
}

// Recharge credits an account, opening it first if needed.
func (s *GenerationService) Recharge(ctx context.Context, accountID string, amount int64, kind models.EntryKind, reference string) (*models.LedgerEntry, error) {
	if _, err := s.ledger.OpenAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entry, err := s.ledger.Credit(ctx, accountID, amount, kind, reference)
	metrics.RecordLedgerOp(string(kind), err)
	if err != nil {
		return nil, err
	}
	s.audit.LogRecharge(accountID, entry.Amount, string(kind), reference)
	return entry, nil
}

func providerReason(kind ProviderErrorKind) string {
	switch kind {
	case ProviderInvalid:
		return models.ReasonProviderInvalid
	case ProviderTimeout:
		return models.ReasonProviderTimeout
	case ProviderRateLimited:
		return models.ReasonProviderRateLimited
	default:
		return models.ReasonProviderUnavailable
	}
}

// reasonError maps a stored failure reason back to the error a caller saw
// when the job first failed.
func reasonError(job *models.Job) error {
	if job.Status != models.JobFailed || job.FailureReason == nil {
		return nil
	}
	reason := *job.FailureReason
	switch reason {
	case models.ReasonInsufficientBalance:
		return ErrInsufficientBalance
	case models.ReasonProviderInvalid:
		return newProviderError(ProviderInvalid, 0, errors.New(reason))
	case models.ReasonProviderUnavailable:
		return newProviderError(ProviderUnavailable, 0, errors.New(reason))
	case models.ReasonProviderTimeout, models.ReasonAbandoned:
		return newProviderError(ProviderTimeout, 0, errors.New(reason))
	case models.ReasonProviderRateLimited:
		return newProviderError(ProviderRateLimited, 0, errors.New(reason))
	case models.ReasonArtifactWriteFailed:
		return ErrArtifactWriteFailed
	default:
		return ErrServiceUnavailable
	}
}

type digestImage struct {
	Role     string `json:"role"`
	MIMEType string `json:"mime_type"`
	Sum      string `json:"sum"`
}

type digestPayload struct {
	Tool    string            `json:"tool"`
	Prompt  string            `json:"prompt"`
	Images  []digestImage     `json:"images"`
	Options map[string]string `json:"options"`
}

// requestDigest hashes the normalized input. encoding/json sorts map keys,
// so equal inputs always produce the same digest.
func requestDigest(toolID string, input models.NormalizedInput) (string, error) {
	payload := digestPayload{
		Tool:    toolID,
		Prompt:  input.Prompt,
		Images:  make([]digestImage, 0, len(input.Images)),
		Options: input.Options,
	}
	for _, img := range input.Images {
		sum := blake2b.Sum256(img.Data)
		payload.Images = append(payload.Images, digestImage{
			Role:     img.Role,
			MIMEType: img.MIMEType,
			Sum:      hex.EncodeToString(sum[:]),
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
