package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pixelcredit/backend/internal/middleware"
	"github.com/pixelcredit/backend/internal/models"
	"github.com/pixelcredit/backend/internal/services"
	"github.com/rs/zerolog"
)

const maxGenerationBody = 32 << 20

type GenerationHandler struct {
	engine    *services.GenerationService
	catalog   *services.StaticCatalog
	stats     *services.ToolStatsService
	validator *services.RequestValidator
	log       zerolog.Logger
}

func NewGenerationHandler(engine *services.GenerationService, catalog *services.StaticCatalog, stats *services.ToolStatsService, logger zerolog.Logger) *GenerationHandler {
	return &GenerationHandler{
		engine:    engine,
		catalog:   catalog,
		stats:     stats,
		validator: services.NewRequestValidator(),
		log:       logger.With().Str("component", "http").Logger(),
	}
}

// Routes mounts the authenticated generation API.
func (h *GenerationHandler) Routes(r chi.Router) {
	r.Post("/generations", h.SubmitGeneration)
	r.Get("/generations", h.ListGenerations)
	r.Get("/generations/{jobId}", h.GetGeneration)
	r.Get("/balance", h.GetBalance)
	r.Get("/credits/history", h.CreditHistory)
	r.Get("/tools", h.ListTools)
	r.Get("/tools/{toolId}/stats", h.ToolStats)
}

type submitGenerationRequest struct {
	ToolIdentifier string              `json:"tool_identifier" validate:"required"`
	IdempotencyKey string              `json:"idempotency_key" validate:"required,max=128"`
	Prompt         string              `json:"prompt" validate:"max=4000"`
	Images         []models.InputImage `json:"images" validate:"max=4,dive"`
	Options        map[string]string   `json:"options"`
	TimeoutSeconds int                 `json:"timeout_seconds" validate:"omitempty,gt=0,lte=300"`
}

// SubmitGeneration runs a generation and charges the tool cost
// @Summary Submit Generation
// @Description Debit the tool cost, call the provider and store the output. Failed generations are refunded.
// @Tags Generation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Idempotency key, used when the body omits one"
// @Param request body submitGenerationRequest true "Generation request"
// @Success 200 {object} models.JobResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} models.JobResult
// @Failure 409 {object} models.JobResult
// @Failure 502 {object} models.JobResult
// @Router /generations [post]
func (h *GenerationHandler) SubmitGeneration(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		sendError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	var req submitGenerationRequest
	if !decodeJSON(w, r, maxGenerationBody, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	if err := h.validator.Validate(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	genReq := &models.GenerationRequest{
		AccountID:      userID,
		ToolIdentifier: req.ToolIdentifier,
		IdempotencyKey: req.IdempotencyKey,
		Input: models.NormalizedInput{
			Prompt:  req.Prompt,
			Images:  req.Images,
			Options: req.Options,
		},
	}
	if req.TimeoutSeconds > 0 {
		genReq.Deadline = time.Now().Add(time.Duration(req.TimeoutSeconds) * time.Second)
	}

	result, err := h.engine.SubmitGeneration(r.Context(), genReq)
	if err != nil {
		status, message := statusFor(err)
		if result == nil {
			sendError(w, status, message, err)
			return
		}
		h.log.Info().Str("job_id", result.JobID).Str("status", string(result.Status)).Int("http_status", status).Msg("generation not completed")
		writeJSON(w, status, result)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetGeneration returns a job owned by the caller
// @Summary Get Generation
// @Tags Generation
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} models.Job
// @Failure 404 {object} ErrorResponse
// @Router /generations/{jobId} [get]
func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		sendError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	job, err := h.engine.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		status, message := statusFor(err)
		sendError(w, status, message, nil)
		return
	}
	if job.AccountID != userID {
		sendError(w, http.StatusNotFound, "Generation not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListGenerations returns the caller's jobs, newest first
// @Summary List Generations
// @Tags Generation
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum number of jobs"
// @Success 200 {array} models.Job
// @Router /generations [get]
func (h *GenerationHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		sendError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	jobs, err := h.engine.ListJobs(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list jobs")
		sendError(w, http.StatusInternalServerError, "Failed to list generations", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": jobs})
}

// GetBalance returns the caller's credit balance
// @Summary Get Balance
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{account_id=string,balance=int64}
// @Router /balance [get]
func (h *GenerationHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		sendError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	balance, err := h.engine.GetBalance(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", userID).Msg("failed to read balance")
		sendError(w, http.StatusServiceUnavailable, "Failed to read balance", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": userID, "balance": balance})
}

// CreditHistory returns the caller's ledger entries in creation order
// @Summary Credit History
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum number of entries"
// @Success 200 {array} models.LedgerEntry
// @Router /credits/history [get]
func (h *GenerationHandler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		sendError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	entries, err := h.engine.ListEntries(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.log.Error().Err(err).Str("account_id", userID).Msg("failed to list ledger entries")
		sendError(w, http.StatusServiceUnavailable, "Failed to load credit history", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListTools returns the tool catalog
// @Summary List Tools
// @Tags Tools
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Tool
// @Router /tools [get]
func (h *GenerationHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.catalog.Tools()})
}

// ToolStats returns best-effort usage counters for a tool
// @Summary Tool Statistics
// @Tags Tools
// @Produce json
// @Security BearerAuth
// @Param toolId path string true "Tool ID"
// @Success 200 {object} models.ToolStats
// @Failure 404 {object} ErrorResponse
// @Router /tools/{toolId}/stats [get]
func (h *GenerationHandler) ToolStats(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	if _, err := h.catalog.GetCost(r.Context(), toolID); err != nil {
		sendError(w, http.StatusNotFound, "Tool not found", nil)
		return
	}

	stats, err := h.stats.GetToolStats(r.Context(), toolID)
	if err != nil {
		h.log.Warn().Err(err).Str("tool", toolID).Msg("tool stats unavailable")
		sendError(w, http.StatusServiceUnavailable, "Tool statistics unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps engine errors to an HTTP status and a message that never
// includes provider response bodies.
func statusFor(err error) (int, string) {
	var perr *services.ProviderError
	switch {
	case errors.Is(err, services.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Not enough credits for this generation"
	case errors.Is(err, services.ErrInProgress):
		return http.StatusConflict, "Generation already in progress"
	case errors.Is(err, services.ErrIdempotencyConflict):
		return http.StatusConflict, "Idempotency key was already used for a different request"
	case errors.Is(err, services.ErrToolNotFound):
		return http.StatusNotFound, "Tool not found"
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.As(err, &perr):
		switch perr.Kind {
		case services.ProviderInvalid:
			return http.StatusUnprocessableEntity, "The generation request was rejected"
		case services.ProviderTimeout:
			return http.StatusGatewayTimeout, "The generation took too long to complete"
		case services.ProviderRateLimited:
			return http.StatusServiceUnavailable, "The generation service is busy, please try again later"
		default:
			return http.StatusBadGateway, "The generation service is currently unavailable"
		}
	case errors.Is(err, services.ErrArtifactWriteFailed):
		return http.StatusBadGateway, "The generated output could not be stored"
	case errors.Is(err, services.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
