package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/contentradar/internal/api/middleware"
	"github.com/kiranshivaraju/contentradar/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	EnqueueJobHandler http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	GetJobHandler     http.HandlerFunc

	AnalyzeHandler         http.HandlerFunc
	QuickAnalyzeHandler    http.HandlerFunc
	DeepAnalyzeHandler     http.HandlerFunc
	EnqueuePipelineHandler http.HandlerFunc
	MediaJobHandler        http.HandlerFunc

	MomentsHandler http.HandlerFunc
	FeedHandler    http.HandlerFunc
	RefreshHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeRead))

			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/media/jobs/{jobID}", orNotImplemented(deps.MediaJobHandler))
			r.Get("/api/v1/moments", orNotImplemented(deps.MomentsHandler))
			r.Get("/api/v1/feed/moments", orNotImplemented(deps.FeedHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeWrite))

			r.Post("/api/v1/jobs", orNotImplemented(deps.EnqueueJobHandler))
			r.Post("/api/v1/media/analyze", orNotImplemented(deps.AnalyzeHandler))
			r.Post("/api/v1/media/analyze/quick", orNotImplemented(deps.QuickAnalyzeHandler))
			r.Post("/api/v1/media/analyze/deep", orNotImplemented(deps.DeepAnalyzeHandler))
			r.Post("/api/v1/media/pipeline", orNotImplemented(deps.EnqueuePipelineHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/read-models/moments/refresh", orNotImplemented(deps.RefreshHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
