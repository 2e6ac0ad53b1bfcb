package http

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-advisory-service/internal/lifecycle"
	"github.com/kjstillabower/air-advisory-service/internal/traffic"
)

// minHealthSamples is the number of answered requests in the window below which the
// error ratio is not judged.
const minHealthSamples = 10

// HealthConfig holds the inputs of the health decision.
type HealthConfig struct {
	Window        time.Duration
	ErrorRatioPct int
	// StorePing, when set, checks store reachability.
	StorePing func(ctx context.Context) error
	// Breaker, when set, reports the KMA circuit breaker state.
	Breaker *circuitbreaker.CircuitBreaker
	Version string
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "air-advisory-service",
		"version":   version,
		"checks":    result.checks,
		"timestamp": formatTimestamp(time.Now()),
	})
}

// computeHealthStatus evaluates, in order: shutting-down > upstream breaker open >
// error ratio breach > store unreachable > healthy. An unreachable store reports
// degraded with 200 because read paths still answer from live fetches.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	cfg := h.healthConfig

	storeOK := true
	if cfg.StorePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		storeOK = cfg.StorePing(pingCtx) == nil
		cancel()
		checks["store"] = healthyLabel(storeOK)
	}

	breakerOK := true
	if cfg.Breaker != nil {
		breakerOK = cfg.Breaker.State() != circuitbreaker.StateOpen
		checks["kmaApi"] = healthyLabel(breakerOK)
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	counts := traffic.WindowCounts(window)
	ratioOK := true
	if cfg.ErrorRatioPct > 0 && counts.Success+counts.Failure >= minHealthSamples {
		ratioOK = counts.ErrorRatio()*100 < float64(cfg.ErrorRatioPct)
	}
	checks["errorRate"] = healthyLabel(ratioOK)

	switch {
	case !breakerOK:
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_circuit_open", checks}
	case !ratioOK:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
	case !storeOK:
		return healthResult{"degraded", http.StatusOK, "store_unreachable", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

func healthyLabel(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
