package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	fieldAvailable = "available"
	fieldStatus    = "status"
	fieldHandle    = "handle"
	fieldUpdated   = "updated"

	// redisRadiusSlack widens the GEOSEARCH radius: Redis measures with its own
	// Earth radius, so candidates are re-checked against EarthRadiusKm.
	redisRadiusSlack = 1.01
)

// RedisDirectory implements Directory using Redis GEO commands for positions
// and one hash per driver for availability, status and connection handle.
type RedisDirectory struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisDirectory{client: client, key: key, now: time.Now}
}

func (r *RedisDirectory) FindAvailable(ctx context.Context, center models.Coord, radiusKm float64) ([]models.Driver, error) {
	if err := ValidateCoord(center); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm * redisRadiusSlack,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	if len(res) == 0 {
		return []models.Driver{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	limit := AngularRadius(radiusKm)
	out := make([]models.Driver, 0, len(res))
	for i, g := range res {
		pos := models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		if CentralAngle(center, pos) > limit {
			continue
		}
		d := driverFromMeta(g.Name, metas[i].Val())
		d.Position = pos
		if !d.Available || d.Status != models.DriverActive {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisDirectory) UpdatePosition(ctx context.Context, driverID string, c models.Coord) error {
	if err := ValidateCoord(c); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID, Longitude: c.Lng, Latitude: c.Lat})
	pipe.HSet(ctx, metaKey(driverID), fieldUpdated, r.stamp())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) SetAvailability(ctx context.Context, driverID string, available bool) error {
	return r.hset(ctx, driverID, fieldAvailable, strconv.FormatBool(available))
}

func (r *RedisDirectory) SetOperationalStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.hset(ctx, driverID, fieldStatus, string(status))
}

func (r *RedisDirectory) SetConnectionHandle(ctx context.Context, driverID, handle string) error {
	return r.hset(ctx, driverID, fieldHandle, handle)
}

func (r *RedisDirectory) ClearConnectionHandle(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, metaKey(driverID), fieldHandle)
	pipe.HSet(ctx, metaKey(driverID), fieldUpdated, r.stamp())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) GoOnline(ctx context.Context, driverID, handle string) error {
	return r.hset(ctx, driverID,
		fieldHandle, handle,
		fieldStatus, string(models.DriverActive),
		fieldAvailable, "true",
	)
}

func (r *RedisDirectory) GoOffline(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, metaKey(driverID), fieldHandle)
	pipe.HSet(ctx, metaKey(driverID),
		fieldStatus, string(models.DriverInactive),
		fieldAvailable, "false",
		fieldUpdated, r.stamp(),
	)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (*models.Driver, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return nil, err
	}
	hasPos := len(pos) == 1 && pos[0] != nil
	if len(meta) == 0 && !hasPos {
		return nil, nil
	}
	d := driverFromMeta(driverID, meta)
	if hasPos {
		d.Position = models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return &d, nil
}

func (r *RedisDirectory) hset(ctx context.Context, driverID string, kv ...string) error {
	values := make([]any, 0, len(kv)+2)
	for _, v := range kv {
		values = append(values, v)
	}
	values = append(values, fieldUpdated, r.stamp())
	return r.client.HSet(ctx, metaKey(driverID), values...).Err()
}

func (r *RedisDirectory) stamp() string { return r.now().UTC().Format(time.RFC3339Nano) }

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, Status: models.DriverInactive}
	if v, ok := m[fieldAvailable]; ok {
		d.Available = v == "true" || v == "1"
	}
	if v, ok := m[fieldStatus]; ok && v != "" {
		d.Status = models.DriverStatus(v)
	}
	d.Handle = m[fieldHandle]
	if v, ok := m[fieldUpdated]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = t
		}
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
