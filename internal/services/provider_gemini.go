package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiBackend talks to the Gemini API directly through the genai SDK.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
}

var _ ProviderBackend = (*GeminiBackend)(nil)

func NewGeminiBackend(ctx context.Context, cfg *config.ProviderConfig) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiBackend{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (b *GeminiBackend) Name() string { return "gemini" }

func (b *GeminiBackend) Close() error {
	return b.client.Close()
}

func (b *GeminiBackend) GenerateOnce(ctx context.Context, prompt string, input models.NormalizedInput) (*models.ProviderResult, error) {
	model := b.client.GenerativeModel(b.model)
	model.SetTemperature(b.temperature)

	parts := []genai.Part{genai.Text(prompt)}
	for _, img := range input.Images {
		parts = append(parts, genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	var artifacts []models.GeneratedArtifact
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && strings.HasPrefix(blob.MIMEType, "image/") {
				artifacts = append(artifacts, models.GeneratedArtifact{Data: blob.Data, ContentType: blob.MIMEType})
			}
		}
	}
	if len(artifacts) == 0 {
		return nil, newProviderError(ProviderInvalid, 0, errors.New("no image data in response"))
	}

	return &models.ProviderResult{
		Artifacts:       artifacts,
		ModelIdentifier: b.model,
		Duration:        time.Since(start),
	}, nil
}

func classifyGeminiError(err error) *ProviderError {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newProviderError(ProviderInvalid, 0, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code, gerr.Header, err)
	}
	return asProviderError(err)
}
