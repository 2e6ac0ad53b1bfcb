package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/cache"
	"github.com/kjstillabower/air-advisory-service/internal/client"
	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
	"github.com/kjstillabower/air-advisory-service/internal/prefetch"
	"github.com/kjstillabower/air-advisory-service/internal/service"
	"github.com/kjstillabower/air-advisory-service/internal/validation"
)

// Response codes of the envelope.
const (
	CodeSuccess             = "SUCCESS"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeServerError         = "SERVER_ERROR"
)

// LocationMaxLength bounds the ventilation route's location name, in runes.
const LocationMaxLength = 50

// StatusClientClosedRequest is written when the client goes away before the response is
// ready. Nobody reads it; it keeps the request out of the 5xx counts.
const StatusClientClosedRequest = 499

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	advisor          *service.AdvisoryService
	sweeper          *prefetch.Sweeper
	healthConfig     *HealthConfig
	prefetchTimeout  time.Duration
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. prefetchTimeout bounds POST /prefetch; zero leaves
// the sweep bounded only by the request.
func NewHandler(advisor *service.AdvisoryService, sweeper *prefetch.Sweeper, healthConfig *HealthConfig, prefetchTimeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		advisor:         advisor,
		sweeper:         sweeper,
		healthConfig:    healthConfig,
		prefetchTimeout: prefetchTimeout,
		logger:          logger,
	}
}

// envelope is the body of every API response.
type envelope struct {
	Success   bool        `json:"success"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"requestId,omitempty"`
}

// ventilationData is the ventilation payload with the caller's location name.
type ventilationData struct {
	models.Ventilation
	Location string `json:"location"`
}

// GetCurrent handles GET /weather/current.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	res, err := h.advisor.Current(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, r, "current", err)
		return
	}
	h.logStoreError(r, cache.CollectionCurrent, res.Station, res.StoreErr)
	writeSuccess(w, r, "공기질 데이터 조회 성공", res.Data, res.ObservedAt)
}

// GetToday handles GET /weather/today.
func (h *Handler) GetToday(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	res, err := h.advisor.Daily(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, r, "daily", err)
		return
	}
	h.logStoreError(r, cache.CollectionDaily, res.Station, res.StoreErr)
	writeSuccess(w, r, "오늘의 날씨 조회 성공", res.Data, res.ObservedAt)
}

// GetVentilation handles GET /guide/ventilation.
func (h *Handler) GetVentilation(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	location, err := validation.ValidateLocation(r.URL.Query().Get("location"), LocationMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "latitude, longitude, location 파라미터가 필요합니다: "+err.Error())
		return
	}
	res, err := h.advisor.Ventilation(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, r, "ventilation", err)
		return
	}
	h.logStoreError(r, cache.CollectionVentilation, res.Station, res.StoreErr)
	writeSuccess(w, r, "환기 점수 조회 성공", ventilationData{Ventilation: res.Data, Location: location}, res.ObservedAt)
}

// GetOutdoor handles GET /guide/outdoor.
func (h *Handler) GetOutdoor(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	res, err := h.advisor.Outdoor(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, r, "outdoor", err)
		return
	}
	h.logStoreError(r, cache.CollectionOutdoor, res.Station, res.StoreErr)
	writeSuccess(w, r, "외출 가이드 조회 성공", res.Data, res.ObservedAt)
}

// GetAppliances handles GET /guide/appliances.
func (h *Handler) GetAppliances(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	advice, err := h.advisor.Appliances(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, r, "appliances", err)
		return
	}
	writeSuccess(w, r, "가전제품 사용 가이드 조회 성공", map[string]interface{}{"appliances": advice}, time.Now())
}

// GetForecast handles GET /guide/forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	lat, lon, ok := h.coordinates(w, r)
	if !ok {
		return
	}
	days, err := validation.ParseDays(r.URL.Query().Get("days"), service.MaxForecastDays, service.MaxForecastDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	forecast, err := h.advisor.Forecast(r.Context(), lat, lon, days)
	if err != nil {
		h.writeServiceError(w, r, "forecast", err)
		return
	}
	writeSuccess(w, r, "예보 가이드 조회 성공", forecast, time.Now())
}

// PostPrefetch handles POST /prefetch. The sweep runs to completion before responding.
func (h *Handler) PostPrefetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.prefetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.prefetchTimeout)
		defer cancel()
	}
	logger := observability.LoggerFrom(ctx, h.logger)
	logger.Info("prefetch requested")

	summary, err := h.sweeper.Run(ctx)
	if err != nil {
		logger.Warn("prefetch interrupted", zap.Error(err),
			zap.Int("succeeded", len(summary.Succeeded)),
			zap.Int("failed", len(summary.Failed)))
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Code:      CodeUpstreamUnavailable,
			Message:   "프리패칭이 완료되지 않았습니다.",
			Data:      summary,
			Timestamp: formatTimestamp(time.Now()),
			RequestID: observability.CorrelationID(r.Context()),
		})
		return
	}
	writeSuccess(w, r, "프리패칭 완료", summary, time.Now())
}

// coordinates parses latitude and longitude, writing a 400 on failure.
func (h *Handler) coordinates(w http.ResponseWriter, r *http.Request) (float64, float64, bool) {
	q := r.URL.Query()
	lat, lon, err := validation.ParseCoordinates(q.Get("latitude"), q.Get("longitude"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "latitude, longitude 파라미터가 필요합니다: "+err.Error())
		return 0, 0, false
	}
	return lat, lon, true
}

// logStoreError logs a cache write that failed after a successful live fetch. The
// response still carries the fetched data.
func (h *Handler) logStoreError(r *http.Request, collection string, station int, err error) {
	if err == nil {
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Error("cache write failed; served live data",
		zap.String("operation", "upsert"),
		zap.String("collection", collection),
		zap.Int("stn", station),
		zap.Error(err))
}

// writeServiceError maps read-path errors to the envelope: upstream failures are 503,
// an out-of-range day count is 400, a cancelled request is 499, anything else is 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	logger := observability.LoggerFrom(r.Context(), h.logger).With(
		zap.String("operation", operation),
		zap.Error(err))
	switch {
	case errors.Is(err, service.ErrInvalidDays):
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, service.ErrUpstream), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("upstream error", zap.String("category", string(client.CategorizeError(err))))
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "외부 서비스에서 데이터를 가져오지 못했습니다.")
	case errors.Is(err, context.Canceled):
		logger.Info("request cancelled by client")
		writeError(w, r, StatusClientClosedRequest, CodeInvalidRequest, "요청이 취소되었습니다.")
	default:
		logger.Error("request failed")
		writeError(w, r, http.StatusInternalServerError, CodeServerError, "요청 처리 중 오류가 발생했습니다.")
	}
}

// formatTimestamp renders t as ISO 8601 UTC with milliseconds.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func writeSuccess(w http.ResponseWriter, r *http.Request, message string, data interface{}, observedAt time.Time) {
	writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Code:      CodeSuccess,
		Message:   message,
		Data:      data,
		Timestamp: formatTimestamp(observedAt),
		RequestID: observability.CorrelationID(r.Context()),
	})
}

// writeError writes a failure envelope with the correlation ID as requestId.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, envelope{
		Code:      code,
		Message:   message,
		Timestamp: formatTimestamp(time.Now()),
		RequestID: observability.CorrelationID(r.Context()),
	})
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
