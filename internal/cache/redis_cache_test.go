package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"gps-telemetry-monitor/internal/config"
	"gps-telemetry-monitor/internal/models"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) *LatestCache {
	c, _ := newTestCacheServer(t)
	return c
}

func newTestCacheServer(t *testing.T) (*LatestCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewLatestCache(config.RedisConfig{
		Enabled:   true,
		Addr:      mr.Addr(),
		Prefix:    "test",
		LatestTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewLatestCache failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

var base = time.Date(2025, 4, 13, 8, 0, 0, 0, time.UTC)

func TestLatestMiss(t *testing.T) {
	c := newTestCache(t)

	r, err := c.Latest(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if r != nil {
		t.Errorf("expected miss, got %+v", r)
	}
}

func TestPutKeepsNewest(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	newer := models.GPSRecord{ID: 2, IMEI: "A", Latitude: -6.2, Longitude: 106.8, LogTimestamp: base.Add(time.Minute)}
	older := models.GPSRecord{ID: 1, IMEI: "A", Latitude: -6.3, Longitude: 106.9, LogTimestamp: base}

	if err := c.Put(ctx, &newer); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, &older); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Latest(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != 2 {
		t.Errorf("expected newest record to stay cached, got %+v", got)
	}
}

func TestPutLatestAndNearby(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	records := []models.GPSRecord{
		{IMEI: "A", Latitude: -6.2000, Longitude: 106.8000, LogTimestamp: base},
		{IMEI: "A", Latitude: -6.2010, Longitude: 106.8010, LogTimestamp: base.Add(time.Minute)},
		{IMEI: "B", Latitude: -6.9000, Longitude: 107.6000, LogTimestamp: base},
	}
	if err := c.PutLatest(ctx, records); err != nil {
		t.Fatalf("PutLatest failed: %v", err)
	}

	a, err := c.Latest(ctx, "A")
	if err != nil || a == nil {
		t.Fatalf("Latest(A) = %v, %v", a, err)
	}
	if !a.LogTimestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("Latest(A) timestamp = %v", a.LogTimestamp)
	}

	near, err := c.Nearby(ctx, -6.2, 106.8, 5)
	if err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}
	if len(near) != 1 || near[0].IMEI != "A" {
		t.Errorf("expected only A nearby, got %+v", near)
	}
}

func TestPutConcurrentWritersKeepNewest(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	newer := models.GPSRecord{ID: 2, IMEI: "A", Latitude: -6.2, Longitude: 106.8, LogTimestamp: base.Add(time.Minute)}
	older := models.GPSRecord{ID: 1, IMEI: "A", Latitude: -6.3, Longitude: 106.9, LogTimestamp: base}

	for round := 0; round < 20; round++ {
		if err := c.rdb.Del(ctx, c.latestKey("A")).Err(); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				errs <- c.Put(ctx, &older)
			}()
			go func() {
				defer wg.Done()
				errs <- c.Put(ctx, &newer)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}

		got, err := c.Latest(ctx, "A")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != 2 {
			t.Fatalf("round %d: expected newest record cached, got %+v", round, got)
		}
	}
}

func TestNearbySkipsExpiredDevices(t *testing.T) {
	c, mr := newTestCacheServer(t)
	ctx := context.Background()

	if err := c.Put(ctx, &models.GPSRecord{IMEI: "A", Latitude: -6.2, Longitude: 106.8, LogTimestamp: base}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(30 * time.Minute)
	if err := c.Put(ctx, &models.GPSRecord{IMEI: "B", Latitude: -6.2001, Longitude: 106.8001, LogTimestamp: base}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(45 * time.Minute)

	if r, _ := c.Latest(ctx, "A"); r != nil {
		t.Fatalf("expected A's latest record to expire, got %+v", r)
	}

	near, err := c.Nearby(ctx, -6.2, 106.8, 1)
	if err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}
	if len(near) != 1 || near[0].IMEI != "B" {
		t.Errorf("expected only B nearby, got %+v", near)
	}

	members, err := c.rdb.ZRange(ctx, c.positionsKey(), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "B" {
		t.Errorf("expected A pruned from the position index, got %v", members)
	}
}
