// Package cache keeps the newest record of every device in Redis, together with
// a GEO index of the last known positions.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"gps-telemetry-monitor/internal/config"
	"gps-telemetry-monitor/internal/models"

	"github.com/redis/go-redis/v9"
)

// LatestCache stores the latest record per device
type LatestCache struct {
	rdb       *redis.Client
	latestTTL time.Duration
	prefix    string

	// set once the server has rejected GEOSEARCH
	noGeoSearch atomic.Bool
}

// NewLatestCache connects to Redis and verifies the connection with a ping
func NewLatestCache(cfg config.RedisConfig) (*LatestCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &LatestCache{rdb: rdb, latestTTL: cfg.LatestTTL, prefix: cfg.Prefix}, nil
}

// Close releases the Redis connection
func (c *LatestCache) Close() error {
	return c.rdb.Close()
}

func (c *LatestCache) latestKey(imei string) string {
	return c.prefix + ":latest:" + imei
}

func (c *LatestCache) positionsKey() string {
	return c.prefix + ":positions"
}

// maxPutAttempts bounds the optimistic-lock retries of Put
const maxPutAttempts = 50

// Put stores r as the device's latest record unless a newer one is cached,
// and moves the device to r's position in the GEO index. The compare and the
// write run under WATCH, so concurrent writers cannot replace a newer record
// with an older one.
func (c *LatestCache) Put(ctx context.Context, r *models.GPSRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := c.latestKey(r.IMEI)

	txf := func(tx *redis.Tx) error {
		current, err := c.latest(ctx, tx, r.IMEI)
		if err != nil {
			return err
		}
		if current != nil && current.LogTimestamp.After(r.LogTimestamp) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.latestTTL)
			pipe.GeoAdd(ctx, c.positionsKey(), &redis.GeoLocation{
				Name:      r.IMEI,
				Longitude: r.Longitude,
				Latitude:  r.Latitude,
			})
			return nil
		})
		return err
	}

	for i := 0; i < maxPutAttempts; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("cache latest record of %s: %w", r.IMEI, err)
	}
	return fmt.Errorf("cache latest record of %s: gave up after %d conflicting writes", r.IMEI, maxPutAttempts)
}

// PutLatest caches the newest record of each device found in records
func (c *LatestCache) PutLatest(ctx context.Context, records []models.GPSRecord) error {
	newest := make(map[string]int)
	for i := range records {
		j, ok := newest[records[i].IMEI]
		if !ok || records[i].LogTimestamp.After(records[j].LogTimestamp) {
			newest[records[i].IMEI] = i
		}
	}
	for _, i := range newest {
		if err := c.Put(ctx, &records[i]); err != nil {
			return err
		}
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Latest returns the cached latest record of a device, or nil on a miss
func (c *LatestCache) Latest(ctx context.Context, imei string) (*models.GPSRecord, error) {
	return c.latest(ctx, c.rdb, imei)
}

func (c *LatestCache) latest(ctx context.Context, g getter, imei string) (*models.GPSRecord, error) {
	data, err := g.Get(ctx, c.latestKey(imei)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest record of %s: %w", imei, err)
	}

	var r models.GPSRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode latest record of %s: %w", imei, err)
	}
	return &r, nil
}

// Nearby returns the devices whose last known position lies within radiusKM
// of the given point, nearest first. Devices whose latest record has expired
// are left out and dropped from the GEO index.
func (c *LatestCache) Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]models.NearbyDevice, error) {
	locations, err := c.search(ctx, lat, lng, radiusKM)
	if err != nil {
		return nil, fmt.Errorf("search positions: %w", err)
	}
	if len(locations) == 0 {
		return []models.NearbyDevice{}, nil
	}

	exists := make([]*redis.IntCmd, len(locations))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, loc := range locations {
			exists[i] = pipe.Exists(ctx, c.latestKey(loc.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check latest records: %w", err)
	}

	devices := make([]models.NearbyDevice, 0, len(locations))
	var expired []interface{}
	for i, loc := range locations {
		if exists[i].Val() == 0 {
			expired = append(expired, loc.Name)
			continue
		}
		devices = append(devices, models.NearbyDevice{
			IMEI:       loc.Name,
			DistanceKM: loc.Dist,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
		})
	}

	if len(expired) > 0 {
		if err := c.rdb.ZRem(ctx, c.positionsKey(), expired...).Err(); err != nil {
			log.Printf("cache: prune expired positions: %v", err)
		}
	}
	return devices, nil
}

// search runs GEOSEARCH, falling back to GEORADIUS on servers that predate it
func (c *LatestCache) search(ctx context.Context, lat, lng, radiusKM float64) ([]redis.GeoLocation, error) {
	if !c.noGeoSearch.Load() {
		locations, err := c.rdb.GeoSearchLocation(ctx, c.positionsKey(), &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  lng,
				Latitude:   lat,
				Radius:     radiusKM,
				RadiusUnit: "km",
				Sort:       "ASC",
			},
			WithCoord: true,
			WithDist:  true,
		}).Result()
		if err == nil || !isUnknownCommand(err) {
			return locations, err
		}
		c.noGeoSearch.Store(true)
	}

	return c.rdb.GeoRadius(ctx, c.positionsKey(), lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithDist:  true,
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
}

func isUnknownCommand(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unknown command")
}
