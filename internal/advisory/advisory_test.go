package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

// chatServer answers every chat completion with content and records the last prompt.
func chatServer(t *testing.T, content string, lastPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %q, want json_object", req.ResponseFormat.Type)
		}
		if lastPrompt != nil && len(req.Messages) > 0 {
			*lastPrompt = req.Messages[len(req.Messages)-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]interface{}{
				{"index": 0, "finish_reason": "stop", "message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
}

func newTestGenerator(t *testing.T, url string, logger *zap.Logger) *OpenAIGenerator {
	t.Helper()
	g, err := NewOpenAIGenerator(Config{APIKey: "sk-test", BaseURL: url + "/v1", Timeout: 2 * time.Second}, logger)
	if err != nil {
		t.Fatalf("NewOpenAIGenerator() error = %v", err)
	}
	return g
}

var reading = Reading{Temperature: 21.3, Humidity: 55, Rainfall: 0, PM10: 30}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIGenerator(Config{}, nil); err == nil {
		t.Error("NewOpenAIGenerator() expected error without API key")
	}
}

func TestVentilationScore(t *testing.T) {
	var prompt string
	server := chatServer(t, `{"score": 82, "status": "좋음", "emoji": "😊", "description": "환기하기 좋습니다."}`, &prompt)
	defer server.Close()

	got, err := newTestGenerator(t, server.URL, nil).VentilationScore(context.Background(), reading)
	if err != nil {
		t.Fatalf("VentilationScore() error = %v", err)
	}
	want := models.Ventilation{Score: 82, Status: "좋음", Emoji: "😊", Description: "환기하기 좋습니다."}
	if got != want {
		t.Errorf("VentilationScore() = %+v, want %+v", got, want)
	}
	for _, s := range []string{"21.3℃", "55%", "30㎍/㎥"} {
		if !strings.Contains(prompt, s) {
			t.Errorf("prompt missing %q", s)
		}
	}
}

func TestVentilationScore_UnparseableFallsBack(t *testing.T) {
	server := chatServer(t, "환기하기 좋은 날입니다!", nil)
	defer server.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	got, err := newTestGenerator(t, server.URL, zap.New(core)).VentilationScore(context.Background(), reading)
	if err != nil {
		t.Fatalf("VentilationScore() error = %v", err)
	}
	if got != FallbackVentilation() {
		t.Errorf("VentilationScore() = %+v, want fallback", got)
	}
	if got.Score != 50 || got.Status != "보통" {
		t.Errorf("fallback = %+v, want neutral score 50", got)
	}
	if logs.FilterMessage("advisory reply not parseable; using fallback").Len() != 1 {
		t.Error("expected one fallback warning")
	}
}

func TestOutdoorGuide_FencedJSON(t *testing.T) {
	server := chatServer(t, "```json\n{\"advisability\": \"추천\", \"summary\": \"좋아요\", \"recommendations\": [\"산책\"]}\n```", nil)
	defer server.Close()

	got, err := newTestGenerator(t, server.URL, nil).OutdoorGuide(context.Background(), reading)
	if err != nil {
		t.Fatalf("OutdoorGuide() error = %v", err)
	}
	if got.Advisability != "추천" || len(got.Recommendations) != 1 {
		t.Errorf("OutdoorGuide() = %+v", got)
	}
}

func TestOutdoorGuide_TransportErrorReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer server.Close()

	_, err := newTestGenerator(t, server.URL, nil).OutdoorGuide(context.Background(), reading)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("OutdoorGuide() error = %v, want ErrUnavailable", err)
	}
}

func TestApplianceGuide(t *testing.T) {
	var prompt string
	server := chatServer(t, `{"appliances": [{"appliance": "제습기", "advice": "습도가 높아요", "hours": "14:00-18:00"}]}`, &prompt)
	defer server.Close()

	items := []models.ForecastItem{
		{Category: "REH", Date: "20251026", Time: "1500", Value: "80"},
		{Category: "TMP", Date: "20251026", Time: "1500", Value: "24"},
		{Category: "TMP", Date: "20251026", Time: "0900", Value: "18"},
		{Category: "SKY", Date: "20251026", Time: "0900", Value: "1"},
	}
	got, err := newTestGenerator(t, server.URL, nil).ApplianceGuide(context.Background(), items)
	if err != nil {
		t.Fatalf("ApplianceGuide() error = %v", err)
	}
	if len(got) != 1 || got[0].Appliance != "제습기" || got[0].Hours != "14:00-18:00" {
		t.Errorf("ApplianceGuide() = %+v", got)
	}
	i9 := strings.Index(prompt, "20251026 0900")
	i15 := strings.Index(prompt, "20251026 1500")
	if i9 < 0 || i15 < 0 || i9 > i15 {
		t.Errorf("prompt hours missing or out of order:\n%s", prompt)
	}
}

func TestApplianceGuide_EmptyListFallsBack(t *testing.T) {
	server := chatServer(t, `{"appliances": []}`, nil)
	defer server.Close()

	got, err := newTestGenerator(t, server.URL, nil).ApplianceGuide(context.Background(), nil)
	if err != nil {
		t.Fatalf("ApplianceGuide() error = %v", err)
	}
	if len(got) != len(FallbackAppliances()) {
		t.Errorf("ApplianceGuide() = %+v, want fallback list", got)
	}
}

func TestForecastGuide_AlignsDays(t *testing.T) {
	server := chatServer(t, `{"days": [{"date": "20251027", "summary": "흐림", "advice": "우산"}, {"date": "19990101", "summary": "x", "advice": "y"}]}`, nil)
	defer server.Close()

	days := []models.DayOutlook{
		{Date: "20251026", MinTemp: 9, MaxTemp: 20, MaxPrecipChance: 70, HasObservations: true},
		{Date: "20251027", MinTemp: 10, MaxTemp: 18, MaxPrecipChance: 30, HasObservations: true},
	}
	got, err := newTestGenerator(t, server.URL, nil).ForecastGuide(context.Background(), days)
	if err != nil {
		t.Fatalf("ForecastGuide() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForecastGuide() returned %d days, want 2", len(got))
	}
	if got[0].Date != "20251026" || got[0].Advice != "비 소식이 있으니 우산을 챙기세요." {
		t.Errorf("day 0 = %+v, want fallback for the skipped day", got[0])
	}
	if got[1].Summary != "흐림" {
		t.Errorf("day 1 = %+v, want model summary", got[1])
	}
}

func TestForecastGuide_NoDays(t *testing.T) {
	g, _ := NewOpenAIGenerator(Config{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"}, nil)
	got, err := g.ForecastGuide(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("ForecastGuide(nil) = %v, %v; want empty without a model call", got, err)
	}
}

func TestFallbackForecast_NoObservations(t *testing.T) {
	got := FallbackForecast([]models.DayOutlook{{Date: "20251028"}})
	if got[0].Date != "20251028" || got[0].Summary != "예보 자료가 아직 없습니다." {
		t.Errorf("FallbackForecast() = %+v", got)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                  `{"a":1}`,
		"  {\"a\":1}\n":            `{"a":1}`,
		"```json\n{\"a\":1}\n```":  `{"a":1}`,
		"```\n{\"a\":1}```":        `{"a":1}`,
	}
	for in, want := range tests {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStaticGenerator(t *testing.T) {
	var g StaticGenerator
	ctx := context.Background()
	if v, _ := g.VentilationScore(ctx, Reading{}); v != FallbackVentilation() {
		t.Errorf("VentilationScore() = %+v", v)
	}
	days := []models.DayOutlook{{Date: "20250601", MaxPrecipChance: 80, HasObservations: true}}
	guides, err := g.ForecastGuide(ctx, days)
	if err != nil || len(guides) != 1 || guides[0].Advice != "비 소식이 있으니 우산을 챙기세요." {
		t.Errorf("ForecastGuide() = %+v, %v", guides, err)
	}
}
