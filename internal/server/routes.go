package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing. All routes except
// the health check require a principal identity.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload/init", h.InitUpload)
	mux.HandleFunc("POST /upload/chunk/{id}", h.WriteChunk)
	mux.HandleFunc("POST /upload/complete/{id}", h.CompleteUpload)
	mux.HandleFunc("POST /upload/abort/{id}", h.AbortUpload)

	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /jobs/{id}/events", h.StreamEvents)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)

	mux.HandleFunc("GET /jobs/{id}/artifacts", h.ListArtifacts)
	mux.HandleFunc("GET /artifacts/{id}", h.GetArtifact)
	mux.HandleFunc("GET /blobs/{digest}", h.GetBlob)

	authed := ChainMiddleware(PrincipalMiddleware())(mux)

	health := http.NewServeMux()
	health.HandleFunc("GET /health", h.Health)
	health.Handle("/", authed)

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(health)
}
