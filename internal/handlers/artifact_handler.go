package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pixelcredit/backend/internal/services"
	"github.com/rs/zerolog"
)

type ArtifactHandler struct {
	store services.ArtifactStore
	log   zerolog.Logger
}

func NewArtifactHandler(store services.ArtifactStore, logger zerolog.Logger) *ArtifactHandler {
	return &ArtifactHandler{store: store, log: logger.With().Str("component", "http").Logger()}
}

// GetArtifact streams a stored generation output
// @Summary Download Artifact
// @Tags Artifacts
// @Produce image/png,image/jpeg,image/webp
// @Param ref path string true "Artifact key"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /artifacts/{ref} [get]
func (h *ArtifactHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	body, ref, err := h.store.Resolve(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Artifact not found", nil)
			return
		}
		h.log.Error().Err(err).Msg("failed to resolve artifact")
		sendError(w, http.StatusInternalServerError, "Failed to load artifact", nil)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	// Keys are content digests, so the bytes behind a key never change.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn().Err(err).Str("key", ref.Key).Msg("artifact stream interrupted")
	}
}
