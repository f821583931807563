package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/metrics"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ProviderAdapter wraps the external generation call. It never touches the
// ledger or job records.
type ProviderAdapter interface {
	Generate(ctx context.Context, toolID string, input models.NormalizedInput, deadline time.Time) (*models.ProviderResult, error)
}

// ProviderBackend performs exactly one attempt against a concrete provider.
type ProviderBackend interface {
	Name() string
	GenerateOnce(ctx context.Context, prompt string, input models.NormalizedInput) (*models.ProviderResult, error)
}

// RetryingProvider applies the single retry policy for transient provider
// errors: bounded exponential backoff with every attempt capped by the
// caller's deadline.
type RetryingProvider struct {
	backend        ProviderBackend
	prompts        PromptBuilder
	limiter        *rate.Limiter
	maxAttempts    int
	attemptTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	log            zerolog.Logger
}

var _ ProviderAdapter = (*RetryingProvider)(nil)

func NewRetryingProvider(backend ProviderBackend, prompts PromptBuilder, cfg *config.ProviderConfig, logger zerolog.Logger) *RetryingProvider {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &RetryingProvider{
		backend:        backend,
		prompts:        prompts,
		limiter:        rate.NewLimiter(limit, burst),
		maxAttempts:    maxAttempts,
		attemptTimeout: cfg.AttemptTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		log:            logger.With().Str("component", "provider").Str("backend", backend.Name()).Logger(),
	}
}

func (p *RetryingProvider) Generate(ctx context.Context, toolID string, input models.NormalizedInput, deadline time.Time) (*models.ProviderResult, error) {
	prompt, err := p.prompts.BuildPrompt(toolID, input)
	if err != nil {
		return nil, newProviderError(ProviderInvalid, 0, err)
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if p.initialBackoff > 0 {
		b.InitialInterval = p.initialBackoff
	}
	if p.maxBackoff > 0 {
		b.MaxInterval = p.maxBackoff
	}

	var lastErr *ProviderError
	attempts := 0
	start := time.Now()

	result, err := backoff.Retry(ctx, func() (*models.ProviderResult, error) {
		attempts++
		if err := p.limiter.Wait(ctx); err != nil {
			lastErr = newProviderError(ProviderTimeout, 0, err)
			return nil, backoff.Permanent(lastErr)
		}

		res, err := p.attempt(ctx, prompt, input)
		if err == nil {
			metrics.RecordProviderAttempt(p.backend.Name(), "ok")
			return res, nil
		}

		perr := asProviderError(err)
		lastErr = perr
		metrics.RecordProviderAttempt(p.backend.Name(), string(perr.Kind))
		p.log.Warn().Err(perr).Str("tool", toolID).Int("attempt", attempts).Msg("provider attempt failed")

		if !perr.Retryable() {
			return nil, backoff.Permanent(perr)
		}
		if perr.Kind == ProviderRateLimited && perr.RetryAfter > 0 {
			if perr.RetryAfter > time.Until(deadline) {
				return nil, backoff.Permanent(perr)
			}
			return nil, errors.Join(perr, &backoff.RetryAfterError{Duration: perr.RetryAfter})
		}
		return nil, perr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.maxAttempts)))

	if err == nil {
		result.Attempts = attempts
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		return result, nil
	}

	if lastErr == nil || (ctx.Err() != nil && lastErr.Kind != ProviderInvalid) {
		return nil, newProviderError(ProviderTimeout, 0, err)
	}
	return nil, lastErr
}

func (p *RetryingProvider) attempt(ctx context.Context, prompt string, input models.NormalizedInput) (*models.ProviderResult, error) {
	if p.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()
	}
	return p.backend.GenerateOnce(ctx, prompt, input)
}

// asProviderError classifies errors that backends did not classify themselves.
func asProviderError(err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newProviderError(ProviderTimeout, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newProviderError(ProviderTimeout, 0, err)
	}
	return newProviderError(ProviderUnavailable, 0, err)
}

// classifyStatus maps an HTTP status from the provider to an error class.
func classifyStatus(status int, header http.Header, err error) *ProviderError {
	switch {
	case status == http.StatusTooManyRequests:
		perr := newProviderError(ProviderRateLimited, status, err)
		perr.RetryAfter = parseRetryAfter(header)
		return perr
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return newProviderError(ProviderTimeout, status, err)
	case status >= 500:
		return newProviderError(ProviderUnavailable, status, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Our credentials, not the caller's input.
		return newProviderError(ProviderUnavailable, status, err)
	default:
		return newProviderError(ProviderInvalid, status, err)
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	value := header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
