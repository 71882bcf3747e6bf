// README: Driver store contract plus the Redis GEO implementation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"cabcore/internal/types"
)

type Store interface {
	Save(ctx context.Context, d Driver) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	SetStatus(ctx context.Context, id types.ID, status DriverStatus) error
	SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	// Within returns located drivers whose straight-line distance from
	// center is at most radiusKm, in no particular order.
	Within(ctx context.Context, center types.Point, radiusKm float64) ([]Driver, error)
	// Update applies fn atomically to one driver record.
	Update(ctx context.Context, id types.ID, fn func(*Driver) error) error
}

const (
	driverGeoKey    = "dispatch:drivers"
	driverKeyPrefix = "dispatch:driver:%s"
	maxUpdateTries  = 25
)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(id))
}

func (s *RedisStore) Save(ctx context.Context, d Driver) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeDriver(ctx, pipe, d)
		return nil
	})
	return err
}

func writeDriver(ctx context.Context, pipe redis.Pipeliner, d Driver) {
	fields := map[string]interface{}{
		"class":      string(d.Class),
		"capacity":   d.Capacity,
		"status":     string(d.Status),
		"rating":     d.Rating.String(),
		"trips":      d.TotalTrips,
		"updated_at": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Position != nil {
		fields["lat"] = strconv.FormatFloat(d.Position.Lat, 'f', -1, 64)
		fields["lng"] = strconv.FormatFloat(d.Position.Lng, 'f', -1, 64)
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(d.ID),
			Longitude: d.Position.Lng,
			Latitude:  d.Position.Lat,
		})
	}
	pipe.HSet(ctx, driverKey(d.ID), fields)
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	vals, err := s.redis.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return parseDriver(id, vals)
}

func (s *RedisStore) SetStatus(ctx context.Context, id types.ID, status DriverStatus) error {
	return s.Update(ctx, id, func(d *Driver) error {
		d.Status = status
		return nil
	})
}

func (s *RedisStore) SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	return s.Update(ctx, id, func(d *Driver) error {
		d.Position = &p
		d.UpdatedAt = at
		return nil
	})
}

func (s *RedisStore) Within(ctx context.Context, center types.Point, radiusKm float64) ([]Driver, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(locs))
	for i, l := range locs {
		cmds[i] = pipe.HGetAll(ctx, driverKey(types.ID(l.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	drivers := make([]Driver, 0, len(locs))
	for i, l := range locs {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		d, err := parseDriver(types.ID(l.Name), vals)
		if err != nil {
			return nil, err
		}
		if d.Position == nil {
			continue
		}
		drivers = append(drivers, *d)
	}
	return drivers, nil
}

// Update runs fn under WATCH so concurrent writers retry instead of
// overwriting each other.
func (s *RedisStore) Update(ctx context.Context, id types.ID, fn func(*Driver) error) error {
	key := driverKey(id)
	for i := 0; i < maxUpdateTries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return ErrNotFound
			}
			d, err := parseDriver(id, vals)
			if err != nil {
				return err
			}
			if err := fn(d); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				writeDriver(ctx, pipe, *d)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("dispatch store: update %s: too much contention", id)
}

func parseDriver(id types.ID, vals map[string]string) (*Driver, error) {
	d := &Driver{
		ID:     id,
		Class:  types.VehicleClass(vals["class"]),
		Status: DriverStatus(vals["status"]),
		Rating: initialRating,
	}
	var err error
	if v := vals["capacity"]; v != "" {
		if d.Capacity, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("driver %s capacity: %w", id, err)
		}
	}
	if v := vals["trips"]; v != "" {
		if d.TotalTrips, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("driver %s trips: %w", id, err)
		}
	}
	if v := vals["rating"]; v != "" {
		if d.Rating, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("driver %s rating: %w", id, err)
		}
	}
	if v := vals["updated_at"]; v != "" {
		if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("driver %s updated_at: %w", id, err)
		}
	}
	if vals["lat"] != "" && vals["lng"] != "" {
		lat, err := strconv.ParseFloat(vals["lat"], 64)
		if err != nil {
			return nil, fmt.Errorf("driver %s lat: %w", id, err)
		}
		lng, err := strconv.ParseFloat(vals["lng"], 64)
		if err != nil {
			return nil, fmt.Errorf("driver %s lng: %w", id, err)
		}
		d.Position = &types.Point{Lat: lat, Lng: lng}
	}
	return d, nil
}
