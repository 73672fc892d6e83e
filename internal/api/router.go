package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router, passed from main so the
// router can wire CORS and auth from the environment.
type RouterConfig struct {
	// BackendAPIKey must arrive in X-API-Key or Authorization: Bearer <key>.
	// Empty skips auth entirely (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated origin list. Empty means "*"
	// (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check — public, no auth required
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Creatives — the full brief-to-ad pipeline
		r.Get("/creatives", h.ListCreatives)
		r.Post("/creatives", h.CreateCreative)
		r.Get("/creatives/{id}", h.GetCreative)
		r.Get("/creatives/{id}/download", h.DownloadCreative)

		// Render queue — direct job submission and polling
		r.Post("/render/jobs", h.SubmitRenderJob)
		r.Get("/render/jobs/{id}", h.GetRenderJob)
		r.Get("/render/jobs/{id}/logs", h.GetRenderJobLogs)
		r.Get("/render/queue", h.GetRenderQueue)
		r.Get("/render/records", h.ListRenderRecords)
	})

	return r
}

// parseOrigins splits the comma-separated CORS origin list, falling back to
// the permissive wildcard when nothing usable is configured.
func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
