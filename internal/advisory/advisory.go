// Package advisory turns weather readings into human-readable guidance using an
// OpenAI chat model. Model output that cannot be parsed is replaced by neutral
// canned advice; transport failures are returned to the caller.
package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/models"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
)

// ErrUnavailable wraps failures to reach the model.
var ErrUnavailable = errors.New("advisory generator unavailable")

// Generation kinds, used as the metrics kind label.
const (
	KindVentilation = "ventilation"
	KindOutdoor     = "outdoor"
	KindAppliance   = "appliance"
	KindForecast    = "forecast"
)

// Reading is the current weather fed to the ventilation and outdoor prompts. Rainfall
// is expected to be clamped at zero already.
type Reading struct {
	Temperature float64
	Humidity    float64
	Rainfall    float64
	PM10        float64
}

// Generator produces advisories.
type Generator interface {
	VentilationScore(ctx context.Context, r Reading) (models.Ventilation, error)
	OutdoorGuide(ctx context.Context, r Reading) (models.OutdoorGuide, error)
	ApplianceGuide(ctx context.Context, forecast []models.ForecastItem) ([]models.ApplianceAdvice, error)
	ForecastGuide(ctx context.Context, days []models.DayOutlook) ([]models.DayGuide, error)
}

// Config configures OpenAIGenerator.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator implements Generator with the chat completions API in JSON mode.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIGenerator creates a generator. BaseURL and Model fall back to the OpenAI
// defaults when empty.
func NewOpenAIGenerator(cfg Config, logger *zap.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// VentilationScore rates how good it is to air out a room, 0 to 100.
func (g *OpenAIGenerator) VentilationScore(ctx context.Context, r Reading) (models.Ventilation, error) {
	var out models.Ventilation
	ok, err := g.generate(ctx, KindVentilation, ventilationPrompt(r), &out)
	if err != nil {
		return models.Ventilation{}, err
	}
	if !ok {
		return FallbackVentilation(), nil
	}
	return out, nil
}

// OutdoorGuide advises on going outside.
func (g *OpenAIGenerator) OutdoorGuide(ctx context.Context, r Reading) (models.OutdoorGuide, error) {
	var out models.OutdoorGuide
	ok, err := g.generate(ctx, KindOutdoor, outdoorPrompt(r), &out)
	if err != nil {
		return models.OutdoorGuide{}, err
	}
	if !ok {
		return FallbackOutdoor(), nil
	}
	return out, nil
}

// ApplianceGuide advises on household appliance use from today's hourly forecast.
func (g *OpenAIGenerator) ApplianceGuide(ctx context.Context, forecast []models.ForecastItem) ([]models.ApplianceAdvice, error) {
	var out struct {
		Appliances []models.ApplianceAdvice `json:"appliances"`
	}
	ok, err := g.generate(ctx, KindAppliance, appliancePrompt(forecast), &out)
	if err != nil {
		return nil, err
	}
	if !ok || len(out.Appliances) == 0 {
		return FallbackAppliances(), nil
	}
	return out.Appliances, nil
}

// ForecastGuide writes a short guide per forecast day. The result has one entry per
// input day, in input order.
func (g *OpenAIGenerator) ForecastGuide(ctx context.Context, days []models.DayOutlook) ([]models.DayGuide, error) {
	if len(days) == 0 {
		return []models.DayGuide{}, nil
	}
	var out struct {
		Days []models.DayGuide `json:"days"`
	}
	ok, err := g.generate(ctx, KindForecast, forecastPrompt(days), &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return FallbackForecast(days), nil
	}
	return alignDays(days, out.Days), nil
}

// generate runs one completion and decodes the JSON reply into v. ok is false when the
// reply could not be decoded; err is set only when the model could not be reached.
func (g *OpenAIGenerator) generate(ctx context.Context, kind, prompt string, v interface{}) (bool, error) {
	logger := observability.LoggerFrom(ctx, g.logger).With(zap.String("kind", kind))

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	observability.GeneratorDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.GeneratorCallsTotal.WithLabelValues(kind, "error").Inc()
		logger.Warn("advisory generation failed", zap.Error(err))
		return false, fmt.Errorf("%w: %s: %v", ErrUnavailable, kind, err)
	}

	if len(resp.Choices) == 0 {
		observability.GeneratorCallsTotal.WithLabelValues(kind, "fallback").Inc()
		logger.Warn("advisory reply had no choices; using fallback")
		return false, nil
	}
	content := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), v); err != nil {
		observability.GeneratorCallsTotal.WithLabelValues(kind, "fallback").Inc()
		logger.Warn("advisory reply not parseable; using fallback", zap.Error(err))
		return false, nil
	}
	observability.GeneratorCallsTotal.WithLabelValues(kind, "success").Inc()
	return true, nil
}

// stripFences removes a ```json ... ``` wrapper some models add despite JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// alignDays returns one guide per outlook day. Guides the model skipped get the
// fallback text for that day.
func alignDays(days []models.DayOutlook, guides []models.DayGuide) []models.DayGuide {
	byDate := make(map[string]models.DayGuide, len(guides))
	for _, g := range guides {
		byDate[g.Date] = g
	}
	out := make([]models.DayGuide, len(days))
	for i, d := range days {
		if g, ok := byDate[d.Date]; ok && g.Summary != "" {
			out[i] = g
			continue
		}
		out[i] = fallbackDay(d)
	}
	return out
}
