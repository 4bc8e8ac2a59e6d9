package gatewayapi

import (
	"log/slog"

	"github.com/gorilla/mux"

	"github.com/relaygrid/llmgateway/internal/middleware"
)

// RouterConfig controls which ambient middleware NewRouter installs,
// mirroring the teacher's router configuration struct.
type RouterConfig struct {
	EnableCompression  bool
	EnableCORS         bool
	EnableRateLimit    bool
	RateLimitPerMinute int
	RateLimitBurst     int
	CORSConfig         middleware.CORSConfig
	Logger             *slog.Logger
}

// DefaultRouterConfig returns the gateway's standard middleware stack.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableCompression:  true,
		EnableCORS:         true,
		EnableRateLimit:    true,
		RateLimitPerMinute: 600,
		RateLimitBurst:     100,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
	}
}

// NewRouter wires every endpoint spec.md §6 names onto a mux.Router with
// the shared middleware stack: request-id and logging always on, CORS/
// compression/rate-limit each independently toggleable.
func NewRouter(h *Handlers, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	if cfg.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.CORSConfig))
	}
	if cfg.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}
	if cfg.EnableRateLimit {
		router.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	}

	router.HandleFunc("/v1/chat/completions", h.jsonEndpoint("/v1/chat/completions")).Methods("POST")
	router.HandleFunc("/v1/completions", h.jsonEndpoint("/v1/completions")).Methods("POST")
	router.HandleFunc("/v1/embeddings", h.jsonEndpoint("/v1/embeddings")).Methods("POST")
	router.HandleFunc("/v1/rerank", h.jsonEndpoint("/v1/rerank")).Methods("POST")
	router.HandleFunc("/v1/score", h.jsonEndpoint("/v1/score")).Methods("POST")
	router.HandleFunc("/v1/classify", h.jsonEndpoint("/v1/classify")).Methods("POST")
	router.HandleFunc("/v1/audio/transcriptions", h.audioTranscriptions).Methods("POST")

	router.HandleFunc("/v1/models", h.models).Methods("GET")
	router.HandleFunc("/health", h.health).Methods("GET")
	router.HandleFunc("/debug/routes", h.debugRoutes).Methods("GET")

	return router
}
