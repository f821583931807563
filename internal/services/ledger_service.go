package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
)

// LedgerStore owns every balance mutation. ReserveAndDebit, Compensate and
// Credit each run as one atomic unit against the store.
type LedgerStore interface {
	OpenAccount(ctx context.Context, accountID string) (*models.Account, error)
	ReserveAndDebit(ctx context.Context, accountID string, amount int64, jobID string) (*models.LedgerEntry, error)
	Compensate(ctx context.Context, jobID string) (*models.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int64, kind models.EntryKind, reference string) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
}

var errOptimisticLock = errors.New("optimistic lock failed")

const pqUniqueViolation = "23505"

type PostgresLedgerStore struct {
	db              *sql.DB
	maxRetries      int
	conflictBackoff time.Duration
	log             zerolog.Logger
}

var _ LedgerStore = (*PostgresLedgerStore)(nil)

func NewPostgresLedgerStore(db *sql.DB, cfg *config.LedgerConfig, logger zerolog.Logger) *PostgresLedgerStore {
	maxRetries := cfg.MaxConflictRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &PostgresLedgerStore{
		db:              db,
		maxRetries:      maxRetries,
		conflictBackoff: cfg.ConflictBackoff,
		log:             logger.With().Str("component", "ledger").Logger(),
	}
}

func (s *PostgresLedgerStore) OpenAccount(ctx context.Context, accountID string) (*models.Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 1, $2, $2)
		ON CONFLICT (id) DO NOTHING`,
		accountID, now)
	if err != nil {
		return nil, fmt.Errorf("open account %s: %w", accountID, err)
	}
	return s.readAccount(ctx, s.db, accountID)
}

func (s *PostgresLedgerStore) ReserveAndDebit(ctx context.Context, accountID string, amount int64, jobID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", ErrInvalidRequest)
	}

	entry, err := s.withConflictRetry(ctx, func() (*models.LedgerEntry, error) {
		return s.reserveOnce(ctx, accountID, amount, jobID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("account_id", accountID).Str("job_id", jobID).Int64("amount", amount).
		Int64("balance_after", entry.BalanceAfter).Msg("debited")
	return entry, nil
}

func (s *PostgresLedgerStore) reserveOnce(ctx context.Context, accountID string, amount int64, jobID string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	if account.Balance < amount {
		return nil, ErrInsufficientBalance
	}

	if err := s.updateAccountBalance(ctx, tx, account.ID, account.Balance-amount, account.Version); err != nil {
		return nil, err
	}

	entry := newEntry(account, models.EntryConsumption, -amount, &jobID, "")
	if err := s.createLedgerEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: job %s already debited", ErrJobExists, jobID)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresLedgerStore) Compensate(ctx context.Context, jobID string) (*models.LedgerEntry, error) {
	entry, err := s.withConflictRetry(ctx, func() (*models.LedgerEntry, error) {
		return s.compensateOnce(ctx, jobID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("account_id", entry.AccountID).Str("job_id", jobID).Int64("amount", entry.Amount).
		Msg("compensated")
	return entry, nil
}

func (s *PostgresLedgerStore) compensateOnce(ctx context.Context, jobID string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var consumedFrom string
	var consumed int64
	err = tx.QueryRowContext(ctx, `
		SELECT account_id, amount
		FROM ledger_entries
		WHERE related_job_id = $1 AND kind = $2`,
		jobID, models.EntryConsumption).Scan(&consumedFrom, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no consumption for job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	var compensated bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE related_job_id = $1 AND kind = $2
		)`,
		jobID, models.EntryCompensation).Scan(&compensated)
	if err != nil {
		return nil, err
	}
	if compensated {
		return nil, ErrAlreadyCompensated
	}

	account, err := s.lockAccount(ctx, tx, consumedFrom)
	if err != nil {
		return nil, err
	}

	refund := -consumed
	if err := s.updateAccountBalance(ctx, tx, account.ID, account.Balance+refund, account.Version); err != nil {
		return nil, err
	}

	entry := newEntry(account, models.EntryCompensation, refund, &jobID, "")
	if err := s.createLedgerEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyCompensated
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit appends a recharge or admin adjustment. Adjustments may be negative
// but never take the balance below zero.
func (s *PostgresLedgerStore) Credit(ctx context.Context, accountID string, amount int64, kind models.EntryKind, reference string) (*models.LedgerEntry, error) {
	if err := validateCredit(amount, kind); err != nil {
		return nil, err
	}

	return s.withConflictRetry(ctx, func() (*models.LedgerEntry, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		account, err := s.lockAccount(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}

		if account.Balance+amount < 0 {
			return nil, ErrInsufficientBalance
		}

		if err := s.updateAccountBalance(ctx, tx, account.ID, account.Balance+amount, account.Version); err != nil {
			return nil, err
		}

		entry := newEntry(account, kind, amount, nil, reference)
		if err := s.createLedgerEntry(ctx, tx, entry); err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return entry, nil
	})
}

func (s *PostgresLedgerStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.readAccount(ctx, s.db, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *PostgresLedgerStore) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_before, balance_after, related_job_id, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq ASC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &jobID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.RelatedJobID = &jobID.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// withConflictRetry reruns op while it loses optimistic lock races.
func (s *PostgresLedgerStore) withConflictRetry(ctx context.Context, op func() (*models.LedgerEntry, error)) (*models.LedgerEntry, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conflictBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 5 * time.Millisecond
	}
	b.MaxInterval = 20 * b.InitialInterval

	entry, err := backoff.Retry(ctx, func() (*models.LedgerEntry, error) {
		e, err := op()
		if errors.Is(err, errOptimisticLock) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return e, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.maxRetries)))

	if errors.Is(err, errOptimisticLock) {
		s.log.Warn().Int("attempts", s.maxRetries).Msg("ledger contention")
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, ErrContention)
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Unwrap()
		}
		return nil, err
	}
	return entry, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectAccountSQL = `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`

func (s *PostgresLedgerStore) readAccount(ctx context.Context, q rowQueryer, accountID string) (*models.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, selectAccountSQL, accountID), accountID)
}

// lockAccount holds the account row until tx ends, so concurrent debits queue
// on the row instead of exhausting the version retries.
func (s *PostgresLedgerStore) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, selectAccountSQL+`
		FOR UPDATE`, accountID), accountID)
}

func scanAccount(row *sql.Row, accountID string) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Balance, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *PostgresLedgerStore) createLedgerEntry(ctx context.Context, tx *sql.Tx, e *models.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount, balance_before, balance_after, related_job_id, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AccountID, e.Kind, e.Amount, e.BalanceBefore, e.BalanceAfter, e.RelatedJobID, e.Reference, e.CreatedAt)
	return err
}

func (s *PostgresLedgerStore) updateAccountBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w for account %s", errOptimisticLock, accountID)
	}

	return nil
}

func newEntry(account *models.Account, kind models.EntryKind, amount int64, jobID *string, reference string) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     account.ID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance + amount,
		RelatedJobID:  jobID,
		Reference:     reference,
		CreatedAt:     time.Now().UTC(),
	}
}

func validateCredit(amount int64, kind models.EntryKind) error {
	switch kind {
	case models.EntryRecharge:
		if amount <= 0 {
			return fmt.Errorf("%w: recharge amount must be positive", ErrInvalidRequest)
		}
	case models.EntryAdminAdjustment:
		if amount == 0 {
			return fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %s entries are written by the generation flow", ErrInvalidRequest, kind)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
