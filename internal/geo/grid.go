package geo

import (
	"math"

	"github.com/kjstillabower/air-advisory-service/internal/models"
)

// KMA DFS Lambert conformal conic projection parameters for the 5 km village-forecast grid.
const (
	earthRadiusKm = 6371.00877
	gridKm        = 5.0
	stdParallel1  = 30.0
	stdParallel2  = 60.0
	originLon     = 126.0
	originLat     = 38.0
	originX       = 43.0
	originY       = 136.0
)

// ToGrid converts latitude/longitude to the village-forecast grid cell (nx, ny).
func ToGrid(lat, lon float64) models.Grid {
	const degToRad = math.Pi / 180.0

	re := earthRadiusKm / gridKm
	slat1 := stdParallel1 * degToRad
	slat2 := stdParallel2 * degToRad
	olon := originLon * degToRad
	olat := originLat * degToRad

	sn := math.Tan(math.Pi*0.25+slat2*0.5) / math.Tan(math.Pi*0.25+slat1*0.5)
	sn = math.Log(math.Cos(slat1)/math.Cos(slat2)) / math.Log(sn)
	sf := math.Tan(math.Pi*0.25 + slat1*0.5)
	sf = math.Pow(sf, sn) * math.Cos(slat1) / sn
	ro := math.Tan(math.Pi*0.25 + olat*0.5)
	ro = re * sf / math.Pow(ro, sn)

	ra := math.Tan(math.Pi*0.25 + lat*degToRad*0.5)
	ra = re * sf / math.Pow(ra, sn)
	theta := lon*degToRad - olon
	if theta > math.Pi {
		theta -= 2.0 * math.Pi
	}
	if theta < -math.Pi {
		theta += 2.0 * math.Pi
	}
	theta *= sn

	return models.Grid{
		X: int(math.Floor(ra*math.Sin(theta) + originX + 0.5)),
		Y: int(math.Floor(ro - ra*math.Cos(theta) + originY + 0.5)),
	}
}
