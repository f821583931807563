package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixelcredit/backend/internal/models"
)

// MemoryLedgerStore is a single-process LedgerStore. A mutex makes each
// operation atomic, which gives the same guarantees as the Postgres store
// inside one process.
type MemoryLedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]*models.Account
	entries      map[string][]models.LedgerEntry
	consumptions map[string]models.LedgerEntry
	compensated  map[string]bool
}

var _ LedgerStore = (*MemoryLedgerStore)(nil)

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:     make(map[string]*models.Account),
		entries:      make(map[string][]models.LedgerEntry),
		consumptions: make(map[string]models.LedgerEntry),
		compensated:  make(map[string]bool),
	}
}

func (s *MemoryLedgerStore) OpenAccount(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		now := time.Now().UTC()
		account = &models.Account{ID: accountID, Version: 1, CreatedAt: now, UpdatedAt: now}
		s.accounts[accountID] = account
	}
	copied := *account
	return &copied, nil
}

func (s *MemoryLedgerStore) ReserveAndDebit(_ context.Context, accountID string, amount int64, jobID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if _, exists := s.consumptions[jobID]; exists {
		return nil, fmt.Errorf("%w: job %s already debited", ErrJobExists, jobID)
	}
	if account.Balance < amount {
		return nil, ErrInsufficientBalance
	}

	entry := s.apply(account, models.EntryConsumption, -amount, &jobID, "")
	s.consumptions[jobID] = *entry
	return entry, nil
}

func (s *MemoryLedgerStore) Compensate(_ context.Context, jobID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumption, ok := s.consumptions[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: no consumption for job %s", ErrNotFound, jobID)
	}
	if s.compensated[jobID] {
		return nil, ErrAlreadyCompensated
	}

	account := s.accounts[consumption.AccountID]
	entry := s.apply(account, models.EntryCompensation, -consumption.Amount, &jobID, "")
	s.compensated[jobID] = true
	return entry, nil
}

func (s *MemoryLedgerStore) Credit(_ context.Context, accountID string, amount int64, kind models.EntryKind, reference string) (*models.LedgerEntry, error) {
	if err := validateCredit(amount, kind); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if account.Balance+amount < 0 {
		return nil, ErrInsufficientBalance
	}
	return s.apply(account, kind, amount, nil, reference), nil
}

func (s *MemoryLedgerStore) GetBalance(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	return account.Balance, nil
}

func (s *MemoryLedgerStore) ListEntries(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[accountID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]models.LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// apply must be called with mu held.
func (s *MemoryLedgerStore) apply(account *models.Account, kind models.EntryKind, amount int64, jobID *string, reference string) *models.LedgerEntry {
	entry := newEntry(account, kind, amount, jobID, reference)
	account.Balance = entry.BalanceAfter
	account.Version++
	account.UpdatedAt = entry.CreatedAt
	s.entries[account.ID] = append(s.entries[account.ID], *entry)
	return entry
}

// MemoryJobStore is a single-process JobStore.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

var _ JobStore = (*MemoryJobStore)(nil)

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}

	now := time.Now().UTC()
	job.Status = models.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.ArtifactRefs = []models.ArtifactRef{}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) Transition(_ context.Context, jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != from {
		return nil, fmt.Errorf("%w: job %s is no longer %s", ErrStaleTransition, jobID, from)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	if update.ArtifactRefs != nil {
		job.ArtifactRefs = append([]models.ArtifactRef(nil), update.ArtifactRefs...)
	}
	if update.FailureReason != "" {
		reason := update.FailureReason
		job.FailureReason = &reason
	}
	if update.ModelIdentifier != "" {
		job.ModelIdentifier = update.ModelIdentifier
	}
	if update.ProviderDurationMs != 0 {
		job.ProviderDurationMs = update.ProviderDurationMs
	}
	if update.CompensationPending != nil {
		job.CompensationPending = *update.CompensationPending
	}
	if to.IsTerminal() {
		job.CompletedAt = &now
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) ClearCompensationPending(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.CompensationPending = false
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryJobStore) ListByAccount(_ context.Context, accountID string, limit int) ([]models.Job, error) {
	jobs := s.filter(func(j *models.Job) bool { return j.AccountID == accountID })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return truncate(jobs, limit), nil
}

func (s *MemoryJobStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.Job, error) {
	jobs := s.filter(func(j *models.Job) bool { return !j.Status.IsTerminal() && j.Deadline.Before(before) })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Deadline.Before(jobs[k].Deadline) })
	return truncate(jobs, limit), nil
}

func (s *MemoryJobStore) ListPendingCompensation(_ context.Context, limit int) ([]models.Job, error) {
	jobs := s.filter(func(j *models.Job) bool { return j.Status == models.JobFailed && j.CompensationPending })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	return truncate(jobs, limit), nil
}

func (s *MemoryJobStore) filter(keep func(*models.Job) bool) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, *cloneJob(job))
		}
	}
	return out
}

func truncate(jobs []models.Job, limit int) []models.Job {
	limit = normalizeLimit(limit)
	if len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	c.ArtifactRefs = append([]models.ArtifactRef{}, job.ArtifactRefs...)
	if job.FailureReason != nil {
		reason := *job.FailureReason
		c.FailureReason = &reason
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
