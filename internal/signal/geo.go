package signal

import (
	"context"
	"math"

	"github.com/reunite-hq/match-engine/internal/model"
)

const earthRadiusM = 6371000.0

// GeoScorer estimates geographic proximity from the reports' own location
// fields. No external service is involved; the signal is always available.
type GeoScorer struct {
	// MaxDistanceM is the distance at which proximity scores zero.
	MaxDistanceM float64
}

// NewGeoScorer creates a geo proximity scorer. maxDistanceM <= 0 falls back
// to 10km.
func NewGeoScorer(maxDistanceM float64) *GeoScorer {
	if maxDistanceM <= 0 {
		maxDistanceM = 10000
	}
	return &GeoScorer{MaxDistanceM: maxDistanceM}
}

func (s *GeoScorer) Signal() model.Signal { return model.SignalGeo }

// Score returns 1.0 when the two reported locations are within their
// combined fuzz radius, decaying linearly to 0 at MaxDistanceM beyond it.
func (s *GeoScorer) Score(_ context.Context, a, b *model.Report) (Result, error) {
	d := Haversine(a.Location.Lat, a.Location.Lon, b.Location.Lat, b.Location.Lon)
	fuzz := a.Location.FuzzRadiusM + b.Location.FuzzRadiusM

	if d <= fuzz {
		return Available(1.0), nil
	}
	excess := d - fuzz
	if excess >= s.MaxDistanceM {
		return Available(0), nil
	}
	return Available(1.0 - excess/s.MaxDistanceM), nil
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda

	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}
