package models

import (
	"time"
)

// InputImage is a reference image supplied by the user.
type InputImage struct {
	Role     string `json:"role" validate:"omitempty,max=32"`
	MIMEType string `json:"mime_type" validate:"required,startswith=image/"`
	Data     []byte `json:"data" validate:"required"`
}

// NormalizedInput is the provider-facing form of a generation request.
type NormalizedInput struct {
	Prompt  string            `json:"prompt,omitempty" validate:"max=4000"`
	Images  []InputImage      `json:"images" validate:"max=4,dive"`
	Options map[string]string `json:"options,omitempty"`
}

// GenerationRequest is the upstream request boundary.
type GenerationRequest struct {
	AccountID      string          `json:"account_id" validate:"required"`
	ToolIdentifier string          `json:"tool_identifier" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=128"`
	Input          NormalizedInput `json:"input"`
	Deadline       time.Time       `json:"deadline"`
}

// GeneratedArtifact is one raw output returned by the provider.
type GeneratedArtifact struct {
	Data        []byte
	ContentType string
}

// ProviderResult is a successful provider call.
type ProviderResult struct {
	Artifacts       []GeneratedArtifact
	ModelIdentifier string
	Duration        time.Duration
	Attempts        int
}

// Tool is a catalog entry.
type Tool struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Cost        int64  `json:"cost"`
	Instruction string `json:"-"`
}

// ToolStats are best-effort usage counters for a tool.
type ToolStats struct {
	ToolIdentifier      string  `json:"tool_identifier"`
	UsageCount          int64   `json:"usage_count"`
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	TotalCreditsCharged int64   `json:"total_credits_charged"`
	SuccessRate         float64 `json:"success_rate"`
}
