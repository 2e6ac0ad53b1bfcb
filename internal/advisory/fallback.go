package advisory

import (
	"context"
	"fmt"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

// FallbackVentilation is served when the model reply cannot be parsed.
func FallbackVentilation() models.Ventilation {
	return models.Ventilation{
		Score:       50,
		Status:      "보통",
		Emoji:       "😐",
		Description: "환기 점수를 계산하는 중 오류가 발생했습니다.",
	}
}

// FallbackOutdoor is served when the model reply cannot be parsed.
func FallbackOutdoor() models.OutdoorGuide {
	return models.OutdoorGuide{
		Advisability:    "주의",
		Summary:         "외출 가이드를 생성하는 중 오류가 발생했습니다.",
		Recommendations: []string{"실내 활동을 권장합니다."},
	}
}

// FallbackAppliances is served when the model reply cannot be parsed.
func FallbackAppliances() []models.ApplianceAdvice {
	return []models.ApplianceAdvice{
		{Appliance: "공기청정기", Advice: "미세먼지 농도를 확인하고 필요할 때 사용하세요."},
		{Appliance: "제습기", Advice: "실내 습도가 60%를 넘으면 사용을 권장합니다."},
	}
}

// FallbackForecast builds a plain summary per day from the outlook numbers.
func FallbackForecast(days []models.DayOutlook) []models.DayGuide {
	out := make([]models.DayGuide, len(days))
	for i, d := range days {
		out[i] = fallbackDay(d)
	}
	return out
}

func fallbackDay(d models.DayOutlook) models.DayGuide {
	if !d.HasObservations {
		return models.DayGuide{
			Date:    d.Date,
			Summary: "예보 자료가 아직 없습니다.",
			Advice:  "나중에 다시 확인해 주세요.",
		}
	}
	advice := "외출 전 날씨를 확인하세요."
	if d.MaxPrecipChance >= 60 {
		advice = "비 소식이 있으니 우산을 챙기세요."
	}
	return models.DayGuide{
		Date:    d.Date,
		Summary: fmt.Sprintf("최저 %.0f℃, 최고 %.0f℃, 강수확률 최대 %d%%", d.MinTemp, d.MaxTemp, d.MaxPrecipChance),
		Advice:  advice,
	}
}

// StaticGenerator serves the fallback texts without calling a model. Used in testing
// mode when no OpenAI key is configured.
type StaticGenerator struct{}

var _ Generator = StaticGenerator{}

func (StaticGenerator) VentilationScore(ctx context.Context, r Reading) (models.Ventilation, error) {
	return FallbackVentilation(), nil
}

func (StaticGenerator) OutdoorGuide(ctx context.Context, r Reading) (models.OutdoorGuide, error) {
	return FallbackOutdoor(), nil
}

func (StaticGenerator) ApplianceGuide(ctx context.Context, forecast []models.ForecastItem) ([]models.ApplianceAdvice, error) {
	return FallbackAppliances(), nil
}

func (StaticGenerator) ForecastGuide(ctx context.Context, days []models.DayOutlook) ([]models.DayGuide, error) {
	return FallbackForecast(days), nil
}
