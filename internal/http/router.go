package http

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiters       *RouteLimiters // nil disables rate limiting
	CORSOrigins    []string       // empty disables CORS headers
}

// NewRouter registers the advisory, prefetch and operational routes. Advisory routes get
// the request timeout; advisory and prefetch routes share per-route rate limiting.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, CodeInvalidRequest, "존재하지 않는 경로입니다.")
	})

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weather := router.PathPrefix("/weather").Subrouter()
	weather.Use(RateLimitMiddleware(cfg.Limiters))
	weather.Use(TimeoutMiddleware(cfg.RequestTimeout))
	weather.HandleFunc("/current", h.GetCurrent).Methods(http.MethodGet)
	weather.HandleFunc("/today", h.GetToday).Methods(http.MethodGet)

	guide := router.PathPrefix("/guide").Subrouter()
	guide.Use(RateLimitMiddleware(cfg.Limiters))
	guide.Use(TimeoutMiddleware(cfg.RequestTimeout))
	guide.HandleFunc("/ventilation", h.GetVentilation).Methods(http.MethodGet)
	guide.HandleFunc("/outdoor", h.GetOutdoor).Methods(http.MethodGet)
	guide.HandleFunc("/appliances", h.GetAppliances).Methods(http.MethodGet)
	guide.HandleFunc("/forecast", h.GetForecast).Methods(http.MethodGet)

	admin := router.PathPrefix("/prefetch").Subrouter()
	admin.Use(RateLimitMiddleware(cfg.Limiters))
	admin.HandleFunc("", h.PostPrefetch).Methods(http.MethodPost)

	var handler http.Handler = router
	if len(cfg.CORSOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", CorrelationIDHeader}),
			handlers.ExposedHeaders([]string{CorrelationIDHeader}),
		)(handler)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger)),
		handlers.PrintRecoveryStack(true),
	)(handler)
}
