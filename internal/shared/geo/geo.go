package geo

import (
	"errors"
	"math"
)

const earthRadiusKm = 6371.0

var ErrOutOfRange = errors.New("coordinate out of range")

// Coordinate is a single accepted position. Timestamp is milliseconds since the epoch.
type Coordinate struct {
	Timestamp int64   `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return ErrOutOfRange
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrOutOfRange
	}
	return nil
}

// Ordered reports whether timestamps in path never decrease.
func Ordered(path []Coordinate) bool {
	for i := 1; i < len(path); i++ {
		if path[i].Timestamp < path[i-1].Timestamp {
			return false
		}
	}
	return true
}

// DistanceM is the great-circle distance between two coordinates in meters.
func DistanceM(a, b Coordinate) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon) * 1000
}

func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
