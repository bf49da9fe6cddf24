package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/contentradar/internal/admission"
	"github.com/kiranshivaraju/contentradar/internal/ai"
	mw "github.com/kiranshivaraju/contentradar/internal/api/middleware"
	"github.com/kiranshivaraju/contentradar/internal/api/response"
	"github.com/kiranshivaraju/contentradar/internal/store"
)

// writeAnalysisError maps admission, provider and store errors to responses.
func writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, admission.ErrPayloadTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			"Payload is too large for quick analysis; use deep analysis instead", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "CAPTURE_NOT_FOUND", "Capture not found", nil)
	case errors.Is(err, ai.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE",
			"The AI provider is not available", nil)
	case errors.Is(err, ai.ErrInferenceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT",
			"AI analysis took too long and was cancelled", nil)
	case errors.Is(err, ai.ErrRequestRejected):
		response.Error(w, http.StatusBadGateway, "AI_REQUEST_REJECTED",
			"The AI provider rejected the analysis request", nil)
	case errors.Is(err, ai.ErrInvalidResponse):
		response.Error(w, http.StatusBadGateway, "AI_INVALID_RESPONSE",
			"The AI provider returned an unusable response", nil)
	default:
		slog.Error("analysis request failed", "error", err)
		internalError(w)
	}
}

func internalError(w http.ResponseWriter) {
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
	}
	return userID, ok
}

// jobIDParam parses {jobID} or writes a 400.
func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
