// README: Route and ETA estimation over the great-circle approximation.
package geo

import (
	"fmt"
	"math"
	"time"

	"cabcore/internal/types"
)

const polylineSegments = 10

type Route struct {
	DistanceKm      float64       `json:"distance_km"`
	DurationMinutes int           `json:"duration_minutes"`
	DistanceText    string        `json:"distance_text"`
	DurationText    string        `json:"duration_text"`
	ArrivalAt       time.Time     `json:"arrival_at"`
	Polyline        []types.Point `json:"polyline"`
}

// EstimateRoute derives distance and travel time from vehicle speed and the
// traffic factor at now.
func EstimateRoute(from, to types.Point, class types.VehicleClass, now time.Time) Route {
	d := GreatCircleKm(from, to)
	minutes := EstimateMinutes(d, class, now)
	return Route{
		DistanceKm:      math.Round(d*100) / 100,
		DurationMinutes: minutes,
		DistanceText:    FormatDistance(d),
		DurationText:    FormatDuration(minutes),
		ArrivalAt:       now.Add(time.Duration(minutes) * time.Minute),
		Polyline:        straightLine(from, to, polylineSegments),
	}
}

// EstimateMinutes is never below one minute.
func EstimateMinutes(distanceKm float64, class types.VehicleClass, now time.Time) int {
	speed := AverageSpeedKmh(class) / TrafficFactor(now)
	minutes := int(math.Ceil(distanceKm / speed * 60))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func straightLine(from, to types.Point, segments int) []types.Point {
	pts := make([]types.Point, 0, segments+1)
	for i := 0; i <= segments; i++ {
		f := float64(i) / float64(segments)
		pts = append(pts, types.Point{
			Lat: math.Round((from.Lat+(to.Lat-from.Lat)*f)*1e5) / 1e5,
			Lng: math.Round((from.Lng+(to.Lng-from.Lng)*f)*1e5) / 1e5,
		})
	}
	return pts
}

func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%d m", int(km*1000))
	}
	return fmt.Sprintf("%.1f km", km)
}

func FormatDuration(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%d hr %d min", minutes/60, minutes%60)
}
