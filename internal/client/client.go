package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/air-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-advisory-service/internal/kst"
	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// WeatherClient fetches raw observations and forecasts for a station or grid cell.
type WeatherClient interface {
	FetchCurrentConditions(ctx context.Context, station int) (models.Conditions, error)
	FetchParticulateLevel(ctx context.Context, station int) (models.Particulate, error)
	FetchDailySummary(ctx context.Context, station int) (models.DailySummary, error)
	FetchHourlyForecast(ctx context.Context, grid models.Grid) ([]models.ForecastItem, error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrStationNotFound = errors.New("station not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// DefaultBaseURL is the KMA API hub root.
const DefaultBaseURL = "https://apihub.kma.go.kr/api"

// Endpoint labels, also used as the metrics endpoint label.
const (
	endpointSurface     = "sfctm2"
	endpointParticulate = "pm10"
	endpointDaily       = "sfcdd"
	endpointForecast    = "vilage_fcst"
)

var endpointPaths = map[string]string{
	endpointSurface:     "typ01/url/kma_sfctm2.php",
	endpointParticulate: "typ01/url/kma_pm10.php",
	endpointDaily:       "typ01/url/kma_sfcdd.php",
	endpointForecast:    "typ02/openApi/VilageFcstInfoService_2.0/getVilageFcst",
}

// forecastBaseTime is the first village-forecast run of the day.
const forecastBaseTime = "0500"

type KMAClient struct {
	authKey        string
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	now            func() time.Time
}

func NewKMAClient(authKey, baseURL string, timeout time.Duration) (*KMAClient, error) {
	return NewKMAClientWithRetry(authKey, baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewKMAClientWithRetry(authKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*KMAClient, error) {
	if authKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(authKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}

	return &KMAClient{
		authKey:        authKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
		now: kst.Now,
	}, nil
}

// SetCircuitBreaker routes every attempt through cb. Client-side errors (bad key,
// unknown station) do not count against it.
func (c *KMAClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// FetchCurrentConditions returns the hourly surface observation published for the
// closest past hour. Missing values are returned as KMA's negative sentinels.
func (c *KMAClient) FetchCurrentConditions(ctx context.Context, station int) (models.Conditions, error) {
	tm := kst.ClosestPastHour(c.now())
	params := url.Values{}
	params.Set("tm", kst.FormatCompact(tm))
	params.Set("stn", strconv.Itoa(station))
	params.Set("help", "0")

	body, err := c.get(ctx, endpointSurface, params)
	if err != nil {
		return models.Conditions{}, err
	}
	row, err := findRow(body, station)
	if err != nil {
		return models.Conditions{}, fmt.Errorf("%s stn %d: %w", endpointSurface, station, err)
	}
	return parseConditions(row, station, tm)
}

// FetchParticulateLevel returns the PM10 reading for the closest past hour. An
// unparseable value reads as zero.
func (c *KMAClient) FetchParticulateLevel(ctx context.Context, station int) (models.Particulate, error) {
	params := url.Values{}
	params.Set("tm2", kst.FormatCompact(kst.ClosestPastHour(c.now())))
	params.Set("stn", strconv.Itoa(station))
	params.Set("help", "0")

	body, err := c.get(ctx, endpointParticulate, params)
	if err != nil {
		return models.Particulate{}, err
	}
	row, err := findRow(body, station)
	if err != nil {
		return models.Particulate{}, fmt.Errorf("%s stn %d: %w", endpointParticulate, station, err)
	}
	return parseParticulate(row, station), nil
}

// FetchDailySummary returns today's daily statistics so far.
func (c *KMAClient) FetchDailySummary(ctx context.Context, station int) (models.DailySummary, error) {
	date := kst.TodayDateString(c.now())
	params := url.Values{}
	params.Set("tm", date)
	params.Set("stn", strconv.Itoa(station))
	params.Set("help", "0")

	body, err := c.get(ctx, endpointDaily, params)
	if err != nil {
		return models.DailySummary{}, err
	}
	row, err := findRow(body, station)
	if err != nil {
		return models.DailySummary{}, fmt.Errorf("%s stn %d: %w", endpointDaily, station, err)
	}
	return parseDailySummary(row, station, date)
}

type forecastResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			DataType string `json:"dataType"`
			Items    struct {
				Item []struct {
					BaseDate  string `json:"baseDate"`
					BaseTime  string `json:"baseTime"`
					Category  string `json:"category"`
					FcstDate  string `json:"fcstDate"`
					FcstTime  string `json:"fcstTime"`
					FcstValue string `json:"fcstValue"`
					Nx        int    `json:"nx"`
					Ny        int    `json:"ny"`
				} `json:"item"`
			} `json:"items"`
			TotalCount int `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

// Village forecast result codes.
const (
	resultOK           = "00"
	resultNoData       = "03"
	resultQuotaExceed  = "22"
	resultKeyNotFound  = "30"
	resultKeyExpired   = "31"
	resultKeyNotActive = "32"
)

// FetchHourlyForecast returns the village forecast items of the day's 05:00 run for
// the grid cell. Before 05:00 the previous day's run is used.
func (c *KMAClient) FetchHourlyForecast(ctx context.Context, grid models.Grid) ([]models.ForecastItem, error) {
	params := url.Values{}
	params.Set("pageNo", "1")
	params.Set("numOfRows", "1000")
	params.Set("dataType", "JSON")
	params.Set("base_date", kst.AdjustedBaseDate(c.now()))
	params.Set("base_time", forecastBaseTime)
	params.Set("nx", strconv.Itoa(grid.X))
	params.Set("ny", strconv.Itoa(grid.Y))

	body, err := c.get(ctx, endpointForecast, params)
	if err != nil {
		return nil, err
	}

	var apiResp forecastResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	switch code := apiResp.Response.Header.ResultCode; code {
	case resultOK:
	case resultNoData:
		return nil, nil
	case resultQuotaExceed:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, apiResp.Response.Header.ResultMsg)
	case resultKeyNotFound, resultKeyExpired, resultKeyNotActive:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAPIKey, apiResp.Response.Header.ResultMsg)
	default:
		return nil, fmt.Errorf("%w: result %s %s", ErrUpstreamFailure, code, apiResp.Response.Header.ResultMsg)
	}

	items := make([]models.ForecastItem, 0, len(apiResp.Response.Body.Items.Item))
	for _, it := range apiResp.Response.Body.Items.Item {
		items = append(items, models.ForecastItem{
			Category: it.Category,
			Date:     it.FcstDate,
			Time:     it.FcstTime,
			Value:    it.FcstValue,
		})
	}
	return items, nil
}

// get performs a GET against endpoint with retries. Only rate limiting, 5xx and
// timeouts are retried.
func (c *KMAClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.attempt(ctx, endpoint, params)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *KMAClient) attempt(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, params)
	}
	var body []byte
	err := c.breaker.Call(ctx, func() error {
		var err error
		body, err = c.callAPI(ctx, endpoint, params)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	return body, err
}

func (c *KMAClient) callAPI(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *KMAClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

func (c *KMAClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *KMAClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	path, ok := endpointPaths[endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", endpoint)
	}
	u, err := url.Parse(c.baseURL + "/" + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("authKey", c.authKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *KMAClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrStationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// IsClientError reports errors caused by the request rather than upstream health.
// These are not counted against the circuit breaker.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrStationNotFound)
}
