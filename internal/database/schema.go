package database

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	sql  string
}

// migrations are idempotent and applied in order on every start.
var migrations = []migration{
	{
		name: "create_accounts",
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version     INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	},
	{
		name: "create_ledger_entries",
		sql: `
CREATE TABLE IF NOT EXISTS ledger_entries (
    seq             BIGSERIAL UNIQUE,
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts(id),
    kind            TEXT NOT NULL CHECK (kind IN ('consumption', 'compensation', 'recharge', 'admin_adjustment')),
    amount          BIGINT NOT NULL,
    balance_before  BIGINT NOT NULL,
    balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
    related_job_id  TEXT,
    reference       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_job ON ledger_entries (related_job_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_consumption_job ON ledger_entries (related_job_id) WHERE kind = 'consumption';
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_compensation_job ON ledger_entries (related_job_id) WHERE kind = 'compensation'`,
	},
	{
		name: "create_jobs",
		sql: `
CREATE TABLE IF NOT EXISTS jobs (
    job_id                   TEXT PRIMARY KEY,
    account_id               TEXT NOT NULL,
    tool_identifier          TEXT NOT NULL,
    requested_cost           BIGINT NOT NULL CHECK (requested_cost > 0),
    status                   TEXT NOT NULL,
    provider_request_digest  TEXT NOT NULL,
    artifact_refs            JSONB NOT NULL DEFAULT '[]',
    failure_reason           TEXT,
    model_identifier         TEXT,
    provider_duration_ms     BIGINT,
    compensation_pending     BOOLEAN NOT NULL DEFAULT FALSE,
    deadline                 TIMESTAMPTZ NOT NULL,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at             TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_open_deadline ON jobs (deadline) WHERE status NOT IN ('completed', 'failed');
CREATE INDEX IF NOT EXISTS idx_jobs_compensation_pending ON jobs (updated_at) WHERE compensation_pending`,
	},
}

// EnsureSchema creates the accounts, ledger_entries and jobs tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
	}
	return tx.Commit()
}
