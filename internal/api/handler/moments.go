package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/api/response"
	"github.com/kiranshivaraju/contentradar/internal/feed"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// MomentsSource reads the moments read model for a caller's projects.
type MomentsSource interface {
	Partitions(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	Snapshot(ctx context.Context, ids []uuid.UUID) (*models.MomentsSnapshot, error)
	Stream(ctx context.Context, w http.ResponseWriter, ids []uuid.UUID) error
}

// Refresher rebuilds the moments read model.
type Refresher interface {
	Refresh(ctx context.Context) (time.Time, error)
}

// NewMomentsHandler returns an http.HandlerFunc for GET /api/v1/moments.
func NewMomentsHandler(src MomentsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		ids, err := src.Partitions(r.Context(), userID)
		if err != nil {
			internalError(w)
			return
		}
		snap, err := src.Snapshot(r.Context(), ids)
		if err != nil {
			internalError(w)
			return
		}
		response.JSON(w, snap)
	}
}

// NewFeedHandler returns an http.HandlerFunc for GET /api/v1/feed/moments.
// A caller without projects gets 204 instead of an idle stream.
func NewFeedHandler(src MomentsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		ids, err := src.Partitions(r.Context(), userID)
		if err != nil {
			internalError(w)
			return
		}
		if len(ids) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		err = src.Stream(r.Context(), w, ids)
		switch {
		case errors.Is(err, feed.ErrStreamingUnsupported):
			internalError(w)
		case err != nil:
			slog.Debug("moments feed closed", "user_id", userID, "error", err)
		}
	}
}

// NewRefreshHandler returns an http.HandlerFunc for
// POST /api/v1/read-models/moments/refresh.
func NewRefreshHandler(agg Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at, err := agg.Refresh(r.Context())
		if err != nil {
			slog.Error("moments refresh failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "REFRESH_FAILED",
				"Failed to refresh moments", nil)
			return
		}

		response.JSON(w, map[string]any{
			"ok":           true,
			"refreshed_at": at,
		})
	}
}
