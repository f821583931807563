package handlers

import (
	"errors"
	"net/http"

	"github.com/pixelcredit/backend/internal/models"
	"github.com/pixelcredit/backend/internal/services"
	"github.com/rs/zerolog"
)

type CreditHandler struct {
	engine    *services.GenerationService
	validator *services.RequestValidator
	log       zerolog.Logger
}

func NewCreditHandler(engine *services.GenerationService, logger zerolog.Logger) *CreditHandler {
	return &CreditHandler{
		engine:    engine,
		validator: services.NewRequestValidator(),
		log:       logger.With().Str("component", "http").Logger(),
	}
}

type creditRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,ne=0"`
	Kind      string `json:"kind" validate:"required,oneof=recharge admin_adjustment"`
	Reference string `json:"reference" validate:"required,max=128"`
}

// Credit applies a recharge or an admin adjustment to an account
// @Summary Credit Account
// @Description Recharges must be positive. Adjustments may be negative but never overdraw.
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body creditRequest true "Credit request"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /admin/credits [post]
func (h *CreditHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeJSON(w, r, 1_048_576, &req) {
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	entry, err := h.engine.Recharge(r.Context(), req.AccountID, req.Amount, models.EntryKind(req.Kind), req.Reference)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientBalance) {
			sendError(w, http.StatusPaymentRequired, "Adjustment would overdraw the account", nil)
			return
		}
		status, message := statusFor(err)
		h.log.Error().Err(err).Str("account_id", req.AccountID).Msg("credit failed")
		sendError(w, status, message, nil)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
