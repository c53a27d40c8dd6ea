// Package stats implements StatsComputer: a pure function deriving
// per-signal summary metrics from an ordered sequence of data points
// (§4.6).
package stats

import (
	"math"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/codec"
)

// earthRadiusMeters is the sphere radius used for the haversine
// approximation, per the spec.
const earthRadiusMeters = 6_371_000

// BBox is the bounding box over a set of points.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Stats is the derived-metrics result of Compute.
type Stats struct {
	MaxSpeed       float64 `json:"maxSpeed"`
	AvgSpeed       float64 `json:"avgSpeed"`
	DistanceMeters int64   `json:"distanceMeters"`
	BBox           *BBox   `json:"bbox,omitempty"`
}

// Compute derives Stats from an ordered, non-empty sequence of data
// points. The caller is expected to have already validated data via
// codec.Validate; Compute assumes n >= 1.
func Compute(data []codec.DataPoint) Stats {
	n := len(data)
	if n == 0 {
		return Stats{}
	}

	var maxSpeed, sumSpeed float64
	bbox := BBox{MinLat: data[0].Lat, MaxLat: data[0].Lat, MinLon: data[0].Lon, MaxLon: data[0].Lon}
	for _, p := range data {
		if p.Speed > maxSpeed {
			maxSpeed = p.Speed
		}
		sumSpeed += p.Speed
		if p.Lat < bbox.MinLat {
			bbox.MinLat = p.Lat
		}
		if p.Lat > bbox.MaxLat {
			bbox.MaxLat = p.Lat
		}
		if p.Lon < bbox.MinLon {
			bbox.MinLon = p.Lon
		}
		if p.Lon > bbox.MaxLon {
			bbox.MaxLon = p.Lon
		}
	}

	var avgSpeed float64
	var distance float64
	if n > 1 {
		avgSpeed = sumSpeed / float64(n)
		for i := 1; i < n; i++ {
			distance += haversine(data[i-1].Lat, data[i-1].Lon, data[i].Lat, data[i].Lon)
		}
	}

	return Stats{
		MaxSpeed:       maxSpeed,
		AvgSpeed:       avgSpeed,
		DistanceMeters: int64(math.Round(distance)),
		BBox:           &bbox,
	}
}

// haversine returns the great-circle distance in meters between two
// lat/lon points.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
