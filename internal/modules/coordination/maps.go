package coordination

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"cabcore/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// MapsDistance asks the Google Distance Matrix API for the driving distance.
type MapsDistance struct {
	client *maps.Client
}

// NewMapsDistance creates a MapsDistance with the given API key.
func NewMapsDistance(apiKey string) (*MapsDistance, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &MapsDistance{client: client}, nil
}

func (m *MapsDistance) Distance(ctx context.Context, from, to types.Point) (float64, error) {
	resp, err := m.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, ErrNoRoute
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("%w: %s", ErrNoRoute, el.Status)
	}
	return float64(el.Distance.Meters) / 1000, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
