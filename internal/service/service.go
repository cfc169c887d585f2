// Package service connects the record store and the latest-record cache to the
// analytics engine, and decides when an empty result means "unknown device".
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gps-telemetry-monitor/internal/analytics"
	"gps-telemetry-monitor/internal/cache"
	"gps-telemetry-monitor/internal/db"
	"gps-telemetry-monitor/internal/models"
	"gps-telemetry-monitor/internal/parser"
)

var (
	// ErrDeviceNotFound is returned when no record was ever stored for a device
	ErrDeviceNotFound = errors.New("device not found")
	// ErrCacheDisabled is returned by operations that need the Redis cache
	ErrCacheDisabled = errors.New("latest-record cache is disabled")
	// ErrIMEIRequired is returned by per-device operations called without a device
	ErrIMEIRequired = errors.New("imei is required")
)

// ValidationError lists the problems found in submitted records
type ValidationError struct {
	Index    int
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %d: %s", e.Index, e.Problems[0])
}

// TimeRange bounds a query by capture timestamp; zero bounds are open
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Service serves telemetry analytics over the record store
type Service struct {
	db    *db.Database
	cache *cache.LatestCache
	codes *analytics.CodeTable
}

// New creates a service. cache may be nil; codes nil selects the default table.
func New(database *db.Database, latest *cache.LatestCache, codes *analytics.CodeTable) *Service {
	if codes == nil {
		codes = analytics.DefaultCodeTable()
	}
	return &Service{db: database, cache: latest, codes: codes}
}

// Codes returns the sensor code table in use
func (s *Service) Codes() *analytics.CodeTable {
	return s.codes
}

func (s *Service) ascending(imei string, tr TimeRange) ([]models.GPSRecord, error) {
	return s.db.QueryRecords(models.TelemetryQuery{
		IMEI:      imei,
		StartTime: tr.Start,
		EndTime:   tr.End,
		Order:     models.OrderAscending,
	})
}

func (s *Service) requireDevice(imei string) error {
	ok, err := s.db.DeviceExists(imei)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, imei)
	}
	return nil
}

// DashboardMetrics builds the dashboard report. imei is optional; a given
// imei with no stored records at all yields ErrDeviceNotFound, while an empty
// time window yields a zero report.
func (s *Service) DashboardMetrics(imei string, tr TimeRange) (*models.DashboardReport, error) {
	records, err := s.ascending(imei, tr)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	if len(records) == 0 && imei != "" {
		if err := s.requireDevice(imei); err != nil {
			return nil, err
		}
	}

	report := analytics.Dashboard(records, s.codes)
	return &report, nil
}

// BaseMetrics computes the trip summary of one device
func (s *Service) BaseMetrics(imei string, tr TimeRange) (*models.MetricsSummary, error) {
	if err := s.requireDevice(imei); err != nil {
		return nil, err
	}
	records, err := s.ascending(imei, tr)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	summary := analytics.BaseMetrics(records)
	return &summary, nil
}

// GnssStatusCounts tallies all records of a device by GNSS status code
func (s *Service) GnssStatusCounts(imei string) (models.GnssStatusCounts, error) {
	if err := s.requireDevice(imei); err != nil {
		return nil, err
	}
	records, err := s.db.QueryRecords(models.TelemetryQuery{IMEI: imei})
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return analytics.GnssStatusCounts(records), nil
}

// Trend returns the raw series of one sensor code of one device. No matching
// records is an empty trend, not an error.
func (s *Service) Trend(imei string, tr TimeRange, code string) (*models.Trend, error) {
	if imei == "" {
		return nil, ErrIMEIRequired
	}
	records, err := s.ascending(imei, tr)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	trend := analytics.Trend(records, code)
	return &trend, nil
}

// Coordinates returns the track of a device in capture order
func (s *Service) Coordinates(imei string, tr TimeRange) ([]models.TrackPoint, error) {
	records, err := s.ascending(imei, tr)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return analytics.Track(records), nil
}

// Latest returns the newest record of a device, from the cache when possible
func (s *Service) Latest(ctx context.Context, imei string) (*models.GPSRecord, error) {
	if s.cache != nil {
		r, err := s.cache.Latest(ctx, imei)
		if err != nil {
			log.Printf("cache: %v", err)
		} else if r != nil {
			return r, nil
		}
	}

	r, err := s.db.GetLatestRecord(imei)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, imei)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, r); err != nil {
			log.Printf("cache: %v", err)
		}
	}
	return r, nil
}

// LatestForAll returns the newest record of every device within the window
func (s *Service) LatestForAll(tr TimeRange) ([]models.GPSRecord, error) {
	return s.db.GetLatestForAll(tr.Start, tr.End)
}

// List returns records newest first. When paginated, page is 1-based.
func (s *Service) List(q models.TelemetryQuery, page, limit int, paginated bool) ([]models.GPSRecord, *models.PageMeta, error) {
	if !paginated {
		q.Order = models.OrderDescending
		q.Limit, q.Offset = 0, 0
		records, err := s.db.QueryRecords(q)
		return records, nil, err
	}

	records, meta, err := s.db.QueryPage(q, page, limit)
	if err != nil {
		return nil, nil, err
	}
	return records, &meta, nil
}

// AverageOdometer returns the average odometer reading of every device
func (s *Service) AverageOdometer() ([]models.DeviceOdometer, error) {
	return s.db.GetAverageOdometerByIMEI()
}

// Devices lists known devices
func (s *Service) Devices() ([]models.DeviceSummary, error) {
	return s.db.ListDevices()
}

// Stats returns store statistics
func (s *Service) Stats() (map[string]interface{}, error) {
	return s.db.GetStats()
}

// Nearby finds devices whose last known position is within radiusKM
func (s *Service) Nearby(ctx context.Context, lat, lng, radiusKM float64) ([]models.NearbyDevice, error) {
	if s.cache == nil {
		return nil, ErrCacheDisabled
	}
	return s.cache.Nearby(ctx, lat, lng, radiusKM)
}

// Ingest validates and stores records, then refreshes the latest-record cache.
// Nothing is stored when any record is invalid.
func (s *Service) Ingest(ctx context.Context, records []models.GPSRecord) (int64, error) {
	for i := range records {
		if problems := parser.ValidateRecord(&records[i]); len(problems) > 0 {
			return 0, &ValidationError{Index: i, Problems: problems}
		}
	}

	count, err := s.db.InsertRecordBatch(records)
	if err != nil {
		return 0, fmt.Errorf("store records: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.PutLatest(ctx, records); err != nil {
			log.Printf("cache: %v", err)
		}
	}
	return count, nil
}
