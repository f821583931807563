package models

import (
	"time"
)

// EntryKind classifies a balance change.
type EntryKind string

const (
	EntryConsumption     EntryKind = "consumption"
	EntryCompensation    EntryKind = "compensation"
	EntryRecharge        EntryKind = "recharge"
	EntryAdminAdjustment EntryKind = "admin_adjustment"
)

// LedgerEntry is immutable once written. Amount is negative for debits.
type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Kind          EntryKind `json:"kind" db:"kind"`
	Amount        int64     `json:"amount" db:"amount"`
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	RelatedJobID  *string   `json:"related_job_id,omitempty" db:"related_job_id"`
	Reference     string    `json:"reference,omitempty" db:"reference"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
