// README: Coordinates shared by geo math, dispatch and the ride aggregate.
package types

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Location struct {
	Point
	Address string `json:"address,omitempty"`
}
