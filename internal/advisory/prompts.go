package advisory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

const systemPrompt = "당신은 한국 기상청 관측 자료를 바탕으로 생활 가이드를 작성하는 도우미입니다. 응답은 항상 JSON 객체 하나만 출력합니다."

func readingLines(r Reading) string {
	return fmt.Sprintf("- 기온: %.1f℃\n- 습도: %.0f%%\n- 강수량: %.1fmm\n- 미세먼지: %.0f㎍/㎥", r.Temperature, r.Humidity, r.Rainfall, r.PM10)
}

func ventilationPrompt(r Reading) string {
	return `아래 데이터를 바탕으로 0~100점 사이의 환기 점수를 평가해줘.
점수가 높을수록 환기하기 좋은 환경이야.
상태(status), 이모지(emoji), 간단한 설명(description)을 함께 반환해줘.

` + readingLines(r) + `

형식:
{"score": 78, "status": "좋음", "emoji": "😊", "description": "신선한 공기가 충분하니 창문을 열어 환기하기 좋은 시간입니다."}`
}

func outdoorPrompt(r Reading) string {
	return `다음은 현재 기상 및 공기질 데이터입니다.
외출 권고도(advisability), 한 줄 요약(summary), 권장 활동 목록(recommendations)을 만들어줘.

` + readingLines(r) + `

형식:
{"advisability": "추천", "summary": "현재 공기질이 양호하여 야외 활동하기 좋은 시간입니다.", "recommendations": ["산책이나 조깅하기 좋은 시간입니다", "자외선 차단제를 발라주세요"]}`
}

// forecastTable renders TMP/REH/POP items as one line per hour, sorted by time.
func forecastTable(items []models.ForecastItem) string {
	type hour struct{ tmp, reh, pop string }
	hours := make(map[string]*hour)
	for _, it := range items {
		key := it.Date + " " + it.Time
		h, ok := hours[key]
		if !ok {
			h = &hour{}
			hours[key] = h
		}
		switch it.Category {
		case "TMP":
			h.tmp = it.Value
		case "REH":
			h.reh = it.Value
		case "POP":
			h.pop = it.Value
		}
	}
	keys := make([]string, 0, len(hours))
	for k := range hours {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		h := hours[k]
		if h.tmp == "" && h.reh == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s 기온 %s℃ 습도 %s%% 강수확률 %s%%\n", k, orDash(h.tmp), orDash(h.reh), orDash(h.pop))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func appliancePrompt(items []models.ForecastItem) string {
	return `다음은 오늘의 시간별 단기예보입니다.
에어컨, 제습기, 가습기, 공기청정기, 난방기 중 필요한 가전제품의 사용 가이드를 만들어줘.
각 항목은 가전제품 이름(appliance), 조언(advice), 추천 사용 시간대(hours)를 포함해.

` + forecastTable(items) + `
형식:
{"appliances": [{"appliance": "제습기", "advice": "오후 습도가 높아 제습기 사용을 권장합니다.", "hours": "14:00-18:00"}]}`
}

func forecastPrompt(days []models.DayOutlook) string {
	var b strings.Builder
	for _, d := range days {
		if !d.HasObservations {
			fmt.Fprintf(&b, "- %s 예보 자료 없음\n", d.Date)
			continue
		}
		fmt.Fprintf(&b, "- %s 최저 %.0f℃ 최고 %.0f℃ 최대 강수확률 %d%% 평균 습도 %.0f%%\n",
			d.Date, d.MinTemp, d.MaxTemp, d.MaxPrecipChance, d.AvgHumidity)
	}
	return `다음은 날짜별 예보 요약입니다.
날짜마다 한 줄 요약(summary)과 생활 조언(advice)을 만들어줘. date는 입력 날짜를 그대로 사용해.

` + b.String() + `
형식:
{"days": [{"date": "20251026", "summary": "맑고 선선한 하루", "advice": "가벼운 겉옷을 챙기세요."}]}`
}
