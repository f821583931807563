package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	JobID     string    `json:"job_id,omitempty"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

const (
	EventDebit              = "DEBIT"
	EventCompensation       = "COMPENSATION"
	EventCompensationFailed = "COMPENSATION_FAILED"
	EventRecharge           = "RECHARGE"
)

// AuditLogger writes one structured line per balance-affecting event.
type AuditLogger struct {
	log zerolog.Logger
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{log: logger.With().Str("component", "audit").Logger()}
}

func (a *AuditLogger) LogDebit(jobID, accountID string, amount, balanceAfter int64) {
	a.write(AuditEvent{
		EventType: EventDebit,
		JobID:     jobID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]int64{"balance_after": balanceAfter},
	})
}

func (a *AuditLogger) LogCompensation(jobID, accountID string, amount int64, reason string) {
	a.write(AuditEvent{
		EventType: EventCompensation,
		JobID:     jobID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]string{"reason": reason},
	})
}

func (a *AuditLogger) LogCompensationFailed(jobID, accountID string, amount int64, err error) {
	a.write(AuditEvent{
		EventType: EventCompensationFailed,
		JobID:     jobID,
		AccountID: accountID,
		Amount:    amount,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogRecharge(accountID string, amount int64, kind, reference string) {
	a.write(AuditEvent{
		EventType: EventRecharge,
		AccountID: accountID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]string{"kind": kind, "reference": reference},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	event.Timestamp = time.Now().UTC()
	level := zerolog.InfoLevel
	if event.Status != "SUCCESS" {
		level = zerolog.ErrorLevel
	}
	a.log.WithLevel(level).
		Str("event_type", event.EventType).
		Str("job_id", event.JobID).
		Str("account_id", event.AccountID).
		Int64("amount", event.Amount).
		Str("status", event.Status).
		Interface("details", event.Details).
		Time("event_time", event.Timestamp).
		Msg("AUDIT")
}

// Alerter escalates conditions that need an operator.
type Alerter interface {
	Alert(ctx context.Context, event AuditEvent) error
}

// RedisAlerter publishes alerts on a Redis channel. A nil client only logs.
type RedisAlerter struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

var _ Alerter = (*RedisAlerter)(nil)

func NewRedisAlerter(rdb *redis.Client, channel string, logger zerolog.Logger) *RedisAlerter {
	return &RedisAlerter{
		rdb:     rdb,
		channel: channel,
		log:     logger.With().Str("component", "alerter").Logger(),
	}
}

func (a *RedisAlerter) Alert(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	a.log.Error().
		Str("event_type", event.EventType).
		Str("job_id", event.JobID).
		Str("account_id", event.AccountID).
		Int64("amount", event.Amount).
		Msg("operator alert raised")

	if a.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.rdb.Publish(ctx, a.channel, payload).Err()
}
