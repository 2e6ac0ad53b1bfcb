package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/air-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-advisory-service/internal/kst"
	"github.com/kjstillabower/air-advisory-service/internal/models"
)

const testKey = "test-auth-key-12345"

// tableRow builds a whitespace row with TM and STN followed by values at the given
// column offsets; other columns are -9.
func tableRow(station string, width int, values map[int]string) string {
	cols := make([]string, width)
	cols[0] = "202510261400"
	cols[1] = station
	for i := 2; i < width; i++ {
		cols[i] = "-9"
	}
	for i, v := range values {
		cols[i] = v
	}
	return strings.Join(cols, " ")
}

func tableBody(rows ...string) string {
	return "#START7777\n# TM STN ...\n" + strings.Join(rows, "\n") + "\n#7777END\n"
}

func newTestClient(t *testing.T, url string, attempts int, now time.Time) *KMAClient {
	t.Helper()
	c, err := NewKMAClientWithRetry(testKey, url, 2*time.Second, attempts, 10*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewKMAClientWithRetry() error = %v", err)
	}
	c.now = func() time.Time { return now }
	return c
}

var testNow = time.Date(2025, 10, 26, 14, 25, 0, 0, kst.Location)

func TestNewKMAClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr bool
	}{
		{"empty API key", "", true},
		{"too short API key", "short", true},
		{"valid API key", testKey, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKMAClient(tt.apiKey, "", 2*time.Second)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAPIKey) {
					t.Errorf("NewKMAClient() error = %v, want ErrInvalidAPIKey", err)
				}
				if c != nil {
					t.Error("NewKMAClient() expected nil client on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewKMAClient() unexpected error: %v", err)
			}
			if c.baseURL != DefaultBaseURL {
				t.Errorf("baseURL = %q, want default", c.baseURL)
			}
		})
	}
}

func TestKMAClient_FetchCurrentConditions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/typ01/url/kma_sfctm2.php") {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("tm") != "202510261400" {
			t.Errorf("tm = %q, want 202510261400", q.Get("tm"))
		}
		if q.Get("stn") != "108" {
			t.Errorf("stn = %q, want 108", q.Get("stn"))
		}
		if q.Get("authKey") != testKey {
			t.Error("expected authKey in query")
		}
		body := tableBody(
			tableRow("90", 20, map[int]string{colSurfaceTA: "5.0"}),
			tableRow("108", 20, map[int]string{colSurfaceWS: "2.1", colSurfaceTA: "21.3", colSurfaceHM: "55.0", colSurfaceRN: "-9.0"}),
		)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, testNow)
	got, err := c.FetchCurrentConditions(context.Background(), 108)
	if err != nil {
		t.Fatalf("FetchCurrentConditions() error = %v", err)
	}
	want := models.Conditions{
		Station:     108,
		Temperature: 21.3,
		Humidity:    55,
		Rainfall:    -9,
		WindSpeed:   2.1,
		ObservedAt:  time.Date(2025, 10, 26, 14, 0, 0, 0, kst.Location),
	}
	if got != want {
		t.Errorf("FetchCurrentConditions() = %+v, want %+v", got, want)
	}
	if got.ClampedRainfall() != 0 {
		t.Errorf("ClampedRainfall() = %v, want 0", got.ClampedRainfall())
	}
}

func TestKMAClient_FetchCurrentConditions_TopOfHourUsesPreviousHour(t *testing.T) {
	var tm string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tm = r.URL.Query().Get("tm")
		_, _ = w.Write([]byte(tableBody(tableRow("108", 20, nil))))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, time.Date(2025, 10, 26, 14, 0, 0, 0, kst.Location))
	if _, err := c.FetchCurrentConditions(context.Background(), 108); err != nil {
		t.Fatalf("FetchCurrentConditions() error = %v", err)
	}
	if tm != "202510261300" {
		t.Errorf("tm = %q, want 202510261300", tm)
	}
}

func TestKMAClient_FetchCurrentConditions_StationNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tableBody()))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3, testNow)
	_, err := c.FetchCurrentConditions(context.Background(), 108)
	if !errors.Is(err, ErrStationNotFound) {
		t.Errorf("FetchCurrentConditions() error = %v, want ErrStationNotFound", err)
	}
}

func TestKMAClient_FetchCurrentConditions_ShortRow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(tableBody(tableRow("108", 5, nil))))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, testNow)
	_, err := c.FetchCurrentConditions(context.Background(), 108)
	if err == nil || CategorizeError(err) != ErrorCategoryParsing {
		t.Errorf("FetchCurrentConditions() error = %v, want parse error", err)
	}
}

func TestKMAClient_FetchParticulateLevel(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"numeric", "35", 35},
		{"unparseable", "=", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("tm2") != "202510261400" {
					t.Errorf("tm2 = %q", r.URL.Query().Get("tm2"))
				}
				_, _ = w.Write([]byte(tableBody(tableRow("108", 4, map[int]string{colPM10: tt.value}))))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 1, testNow)
			got, err := c.FetchParticulateLevel(context.Background(), 108)
			if err != nil {
				t.Fatalf("FetchParticulateLevel() error = %v", err)
			}
			if got.PM10 != tt.want {
				t.Errorf("PM10 = %v, want %v", got.PM10, tt.want)
			}
		})
	}
}

func TestKMAClient_FetchDailySummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tm") != "20251026" {
			t.Errorf("tm = %q, want 20251026", r.URL.Query().Get("tm"))
		}
		_, _ = w.Write([]byte(tableBody(tableRow("112", 25, map[int]string{
			colDailyTAAvg: "15.2", colDailyTAMax: "21.0", colDailyTAMin: "9.8", colDailyHMAvg: "62.5",
		}))))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, testNow)
	got, err := c.FetchDailySummary(context.Background(), 112)
	if err != nil {
		t.Fatalf("FetchDailySummary() error = %v", err)
	}
	want := models.DailySummary{Station: 112, Date: "20251026", AvgTemp: 15.2, MaxTemp: 21, MinTemp: 9.8, AvgHumidity: 62.5}
	if got != want {
		t.Errorf("FetchDailySummary() = %+v, want %+v", got, want)
	}
}

func forecastJSON(code string, items ...map[string]interface{}) []byte {
	resp := map[string]interface{}{
		"response": map[string]interface{}{
			"header": map[string]string{"resultCode": code, "resultMsg": "NORMAL_SERVICE"},
			"body": map[string]interface{}{
				"dataType": "JSON",
				"items":    map[string]interface{}{"item": items},
			},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func TestKMAClient_FetchHourlyForecast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !strings.HasSuffix(r.URL.Path, "/getVilageFcst") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if q.Get("base_date") != "20251025" || q.Get("base_time") != "0500" {
			t.Errorf("base = %s %s, want 20251025 0500", q.Get("base_date"), q.Get("base_time"))
		}
		if q.Get("nx") != "60" || q.Get("ny") != "127" || q.Get("dataType") != "JSON" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write(forecastJSON("00",
			map[string]interface{}{"category": "TMP", "fcstDate": "20251026", "fcstTime": "0600", "fcstValue": "9", "nx": 60, "ny": 127},
			map[string]interface{}{"category": "POP", "fcstDate": "20251026", "fcstTime": "0600", "fcstValue": "30", "nx": 60, "ny": 127},
		))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, time.Date(2025, 10, 26, 4, 30, 0, 0, kst.Location))
	items, err := c.FetchHourlyForecast(context.Background(), models.Grid{X: 60, Y: 127})
	if err != nil {
		t.Fatalf("FetchHourlyForecast() error = %v", err)
	}
	want := []models.ForecastItem{
		{Category: "TMP", Date: "20251026", Time: "0600", Value: "9"},
		{Category: "POP", Date: "20251026", Time: "0600", Value: "30"},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("item[%d] = %+v, want %+v", i, items[i], want[i])
		}
	}
}

func TestKMAClient_FetchHourlyForecast_ResultCodes(t *testing.T) {
	tests := []struct {
		code    string
		wantErr error
	}{
		{"03", nil},
		{"22", ErrRateLimited},
		{"30", ErrInvalidAPIKey},
		{"99", ErrUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(forecastJSON(tt.code))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 1, testNow)
			items, err := c.FetchHourlyForecast(context.Background(), models.Grid{X: 1, Y: 1})
			if tt.wantErr == nil {
				if err != nil || len(items) != 0 {
					t.Errorf("FetchHourlyForecast() = %v, %v; want empty, nil", items, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FetchHourlyForecast() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKMAClient_ErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
		retryable  bool
	}{
		{"401 unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey, false},
		{"403 forbidden", http.StatusForbidden, ErrInvalidAPIKey, false},
		{"404 not found", http.StatusNotFound, ErrStationNotFound, false},
		{"429 rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"500 server error", http.StatusInternalServerError, ErrUpstreamFailure, true},
		{"502 bad gateway", http.StatusBadGateway, ErrUpstreamFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 1, testNow)
			_, err := c.FetchParticulateLevel(context.Background(), 108)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := c.isRetryable(err); got != tt.retryable {
				t.Errorf("isRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestKMAClient_RetryLogic(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(tableBody(tableRow("108", 4, map[int]string{colPM10: "12"}))))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3, testNow)
	got, err := c.FetchParticulateLevel(context.Background(), 108)
	if err != nil {
		t.Fatalf("FetchParticulateLevel() error = %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if got.PM10 != 12 {
		t.Errorf("PM10 = %v, want 12", got.PM10)
	}
}

func TestKMAClient_NoRetryOnNonRetryableError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3, testNow)
	_, err := c.FetchDailySummary(context.Background(), 108)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("error = %v, want ErrInvalidAPIKey", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", n)
	}
}

func TestKMAClient_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2, testNow)
	_, err := c.FetchParticulateLevel(context.Background(), 108)
	if err == nil || !strings.Contains(err.Error(), "exhausted retries") {
		t.Errorf("error = %v, want exhausted retries", err)
	}
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("error = %v, want wrapped ErrUpstreamFailure", err)
	}
}

func TestKMAClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3, testNow)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchCurrentConditions(ctx, 108)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if CategorizeError(err) != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %v, want timeout", CategorizeError(err))
	}
}

func TestKMAClient_CircuitBreakerOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, testNow)
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		IsFailure:        func(err error) bool { return !IsClientError(err) },
	})
	c.SetCircuitBreaker(cb)

	ctx := context.Background()
	_, _ = c.FetchParticulateLevel(ctx, 108)
	_, _ = c.FetchParticulateLevel(ctx, 108)
	if cb.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}

	_, err := c.FetchParticulateLevel(ctx, 108)
	if !errors.Is(err, ErrUpstreamFailure) || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("error = %v, want ErrUpstreamFailure wrapping ErrOpen", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("attempts = %d, want 2 (open circuit must not call upstream)", n)
	}
}

func TestKMAClient_CorrelationIDForwarded(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(tableBody(tableRow("108", 4, nil))))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 1, testNow)
	ctx := contextWithCorrelationID("req-42")
	_, _ = c.FetchParticulateLevel(ctx, 108)
	if got != "req-42" {
		t.Errorf("X-Correlation-ID = %q, want req-42", got)
	}
}
