package server

import (
	"log/slog"
	"net/http"
)

// albumsPrefix is where album files are served from.
const albumsPrefix = "/albums/"

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// AlbumsDir is served read-only under /albums/. Empty disables it.
	AlbumsDir string
	// Metrics, if set, is served on GET /metrics.
	Metrics http.Handler
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /api/upload", h.Upload)
	mux.HandleFunc("GET /api/progress/{taskId}", h.GetProgress)
	mux.HandleFunc("GET /api/albums", h.ListAlbums)
	mux.HandleFunc("GET /api/albums/search", h.SearchAlbums)
	mux.HandleFunc("GET /api/albums/statistics", h.AlbumStatistics)
	mux.HandleFunc("GET /api/albums/processing/count", h.ProcessingCount)
	mux.HandleFunc("GET /api/album/{albumId}", h.GetAlbum)
	mux.HandleFunc("DELETE /api/album/{albumId}", h.DeleteAlbum)
	mux.HandleFunc("GET /api/album/{albumId}/download", h.DownloadAlbum)
	mux.HandleFunc("PUT /api/images/favorite", h.SetFavorite)
	mux.HandleFunc("GET /api/download/default-path", h.DefaultDownloadPath)
	mux.HandleFunc("POST /api/download/local", h.SaveLocal)

	if cfg.AlbumsDir != "" {
		mux.Handle("GET "+albumsPrefix, http.StripPrefix(albumsPrefix, albumFiles(cfg.AlbumsDir)))
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
