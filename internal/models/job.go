package models

import (
	"time"
)

type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobDebited        JobStatus = "debited"
	JobProviderCalled JobStatus = "provider_called"
	JobArtifactsSaved JobStatus = "artifacts_saved"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Failure reasons recorded on failed jobs.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonProviderInvalid     = "provider_invalid"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderTimeout     = "provider_timeout"
	ReasonProviderRateLimited = "provider_rate_limited"
	ReasonArtifactWriteFailed = "artifact_write_failed"
	ReasonLedgerUnavailable   = "ledger_unavailable"
	ReasonAbandoned           = "abandoned"
)

// ArtifactRef points into the artifact store.
type ArtifactRef struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Job is one generation attempt. ID doubles as the caller's idempotency key.
type Job struct {
	ID                    string        `json:"job_id" db:"job_id"`
	AccountID             string        `json:"account_id" db:"account_id"`
	ToolIdentifier        string        `json:"tool_identifier" db:"tool_identifier"`
	RequestedCost         int64         `json:"requested_cost" db:"requested_cost"`
	Status                JobStatus     `json:"status" db:"status"`
	ProviderRequestDigest string        `json:"provider_request_digest" db:"provider_request_digest"`
	ArtifactRefs          []ArtifactRef `json:"artifact_refs" db:"artifact_refs"`
	FailureReason         *string       `json:"failure_reason,omitempty" db:"failure_reason"`
	ModelIdentifier       string        `json:"model_identifier,omitempty" db:"model_identifier"`
	ProviderDurationMs    int64         `json:"provider_duration_ms,omitempty" db:"provider_duration_ms"`
	CompensationPending   bool          `json:"-" db:"compensation_pending"`
	Deadline              time.Time     `json:"deadline" db:"deadline"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// JobUpdate carries the fields a status transition may set.
type JobUpdate struct {
	ArtifactRefs        []ArtifactRef
	FailureReason       string
	ModelIdentifier     string
	ProviderDurationMs  int64
	CompensationPending *bool
}

// JobResult is what a caller of submit sees.
type JobResult struct {
	JobID          string        `json:"job_id"`
	ToolIdentifier string        `json:"tool_identifier"`
	Status         JobStatus     `json:"status"`
	RequestedCost  int64         `json:"requested_cost"`
	ArtifactRefs   []ArtifactRef `json:"artifact_refs,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// Result projects the job into the caller-facing shape.
func (j *Job) Result() *JobResult {
	res := &JobResult{
		JobID:          j.ID,
		ToolIdentifier: j.ToolIdentifier,
		Status:         j.Status,
		RequestedCost:  j.RequestedCost,
		ArtifactRefs:   j.ArtifactRefs,
	}
	if j.FailureReason != nil {
		res.FailureReason = *j.FailureReason
		res.Message = FailureMessage(*j.FailureReason)
	}
	return res
}

// FailureMessage returns a human readable description of a failure reason.
func FailureMessage(reason string) string {
	switch reason {
	case ReasonInsufficientBalance:
		return "Not enough credits for this generation"
	case ReasonProviderInvalid:
		return "The generation request was rejected"
	case ReasonProviderUnavailable:
		return "The generation service is currently unavailable"
	case ReasonProviderTimeout:
		return "The generation took too long to complete"
	case ReasonProviderRateLimited:
		return "The generation service is busy, please try again later"
	case ReasonArtifactWriteFailed:
		return "The generated output could not be stored"
	case ReasonLedgerUnavailable:
		return "Credits could not be reserved, please try again"
	case ReasonAbandoned:
		return "The generation did not finish in time"
	default:
		return "Generation failed"
	}
}
