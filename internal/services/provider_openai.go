package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/models"
)

// OpenAICompatibleBackend calls an OpenAI-style /chat/completions endpoint
// that returns images alongside text.
type OpenAICompatibleBackend struct {
	client        *http.Client
	baseURL       string
	apiKey        string
	model         string
	temperature   float64
	downloadLimit int64
}

var _ ProviderBackend = (*OpenAICompatibleBackend)(nil)

func NewOpenAICompatibleBackend(cfg *config.ProviderConfig, client *http.Client) *OpenAICompatibleBackend {
	if client == nil {
		client = &http.Client{}
	}
	limit := cfg.DownloadLimit
	if limit <= 0 {
		limit = 20 << 20
	}
	return &OpenAICompatibleBackend{
		client:        client,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		downloadLimit: limit,
	}
}

func (b *OpenAICompatibleBackend) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Modalities  []string      `json:"modalities"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
			Images  []struct {
				ImageURL imageURL `json:"image_url"`
			} `json:"images"`
			MultiModContent []struct {
				InlineData *struct {
					MimeType string `json:"mime_type"`
					Data     string `json:"data"`
				} `json:"inline_data"`
			} `json:"multi_mod_content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTime int64 `json:"total_time"`
	} `json:"usage"`
}

func (b *OpenAICompatibleBackend) GenerateOnce(ctx context.Context, prompt string, input models.NormalizedInput) (*models.ProviderResult, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, img := range input.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)},
		})
	}

	body, err := json.Marshal(chatRequest{
		Model:       b.model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		Modalities:  []string{"text", "image"},
		Temperature: b.temperature,
	})
	if err != nil {
		return nil, newProviderError(ProviderInvalid, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, newProviderError(ProviderInvalid, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, asProviderError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, resp.Header,
			fmt.Errorf("chat completions returned %s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, asProviderError(fmt.Errorf("decode chat completions: %w", err))
	}

	images, err := b.extractImages(ctx, &parsed)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	if parsed.Usage != nil && parsed.Usage.TotalTime > 0 {
		duration = time.Duration(parsed.Usage.TotalTime) * time.Millisecond
	}
	model := parsed.Model
	if model == "" {
		model = b.model
	}

	return &models.ProviderResult{
		Artifacts:       images,
		ModelIdentifier: model,
		Duration:        duration,
	}, nil
}

// extractImages checks message.images, then multi_mod_content inline data,
// then a data URL in content.
func (b *OpenAICompatibleBackend) extractImages(ctx context.Context, resp *chatResponse) ([]models.GeneratedArtifact, error) {
	if len(resp.Choices) == 0 {
		return nil, newProviderError(ProviderUnavailable, 0, errors.New("no choices in response"))
	}
	msg := resp.Choices[0].Message

	var out []models.GeneratedArtifact
	for _, img := range msg.Images {
		if img.ImageURL.URL == "" {
			continue
		}
		artifact, err := b.loadImageURL(ctx, img.ImageURL.URL)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}

	if len(out) == 0 {
		for _, part := range msg.MultiModContent {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, newProviderError(ProviderUnavailable, 0, fmt.Errorf("decode inline image: %w", err))
			}
			contentType := part.InlineData.MimeType
			if contentType == "" {
				contentType = "image/png"
			}
			out = append(out, models.GeneratedArtifact{Data: data, ContentType: contentType})
		}
	}

	if len(out) == 0 && len(msg.Content) > 0 {
		var content string
		if err := json.Unmarshal(msg.Content, &content); err == nil && strings.HasPrefix(content, "data:image") {
			artifact, err := decodeDataURL(content)
			if err != nil {
				return nil, err
			}
			out = append(out, artifact)
		}
	}

	if len(out) == 0 {
		return nil, newProviderError(ProviderInvalid, 0, errors.New("no image data in response"))
	}
	return out, nil
}

func (b *OpenAICompatibleBackend) loadImageURL(ctx context.Context, url string) (models.GeneratedArtifact, error) {
	if strings.HasPrefix(url, "data:") {
		return decodeDataURL(url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.GeneratedArtifact{}, newProviderError(ProviderInvalid, 0, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return models.GeneratedArtifact{}, asProviderError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.GeneratedArtifact{}, classifyStatus(resp.StatusCode, resp.Header,
			fmt.Errorf("image download returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.downloadLimit+1))
	if err != nil {
		return models.GeneratedArtifact{}, asProviderError(err)
	}
	if int64(len(data)) > b.downloadLimit {
		return models.GeneratedArtifact{}, newProviderError(ProviderInvalid, 0, errors.New("generated image exceeds download limit"))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = mimetype.Detect(data).String()
	}
	return models.GeneratedArtifact{Data: data, ContentType: contentType}, nil
}

// decodeDataURL parses data:<mime>;base64,<payload>.
func decodeDataURL(raw string) (models.GeneratedArtifact, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return models.GeneratedArtifact{}, newProviderError(ProviderUnavailable, 0, errors.New("malformed data URL"))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.GeneratedArtifact{}, newProviderError(ProviderUnavailable, 0, fmt.Errorf("decode data URL: %w", err))
	}

	contentType := strings.TrimSuffix(header, ";base64")
	if contentType == "" {
		contentType = "image/png"
	}
	return models.GeneratedArtifact{Data: data, ContentType: contentType}, nil
}
