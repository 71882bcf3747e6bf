// Package geo contains pure geographic computation helpers: great-circle
// distance with a road correction, time-of-day factors and route estimates.
package geo

import (
	"math"
	"time"

	"cabcore/internal/types"
)

const (
	EarthRadiusKm = 6371.0
	// RoadFactor approximates road distance from straight-line distance.
	RoadFactor = 1.3
	// MaxGreatCircleKm is half the earth's circumference after the road factor.
	MaxGreatCircleKm = math.Pi * EarthRadiusKm * RoadFactor
)

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// GreatCircleKm is the corrected travel distance used by fare estimation and
// dispatch alike.
func GreatCircleKm(a, b types.Point) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng) * RoadFactor
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func isPeakHour(h int) bool {
	return (h >= 8 && h <= 10) || (h >= 17 && h <= 20)
}

// TrafficFactor slows (>1) or speeds up (<1) the effective travel speed.
func TrafficFactor(now time.Time) float64 {
	h := now.Hour()
	switch {
	case isPeakHour(h):
		return 1.5
	case h >= 22 || h <= 6:
		return 0.8
	}
	return 1.0
}

// SurgeMultiplier is the price multiplier applied by the fare engine.
func SurgeMultiplier(now time.Time) float64 {
	h := now.Hour()
	switch {
	case isPeakHour(h):
		return 1.5
	case h >= 22 || h <= 5:
		return 1.2
	}
	return 1.0
}

var averageSpeedKmh = map[types.VehicleClass]float64{
	types.VehicleMini:    25,
	types.VehicleSedan:   28,
	types.VehicleSUV:     26,
	types.VehiclePremium: 30,
}

const defaultSpeedKmh = 28.0

func AverageSpeedKmh(class types.VehicleClass) float64 {
	if v, ok := averageSpeedKmh[class]; ok {
		return v
	}
	return defaultSpeedKmh
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function. Equal
// distances keep their input order.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
