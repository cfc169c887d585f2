package models

import "time"

// IOData maps a raw sensor code (e.g. "239") to the reading the device reported for it
type IOData map[string]float64

// Lookup returns the reading stored under code and whether it was reported
func (d IOData) Lookup(code string) (float64, bool) {
	v, ok := d[code]
	return v, ok
}

// Flag reports whether a boolean-valued sensor code is present and non-zero
func (d IOData) Flag(code string) bool {
	v, ok := d[code]
	return ok && v != 0
}

// GPSRecord represents a single telemetry reading from a tracking device
type GPSRecord struct {
	ID           int64     `json:"id"`
	IMEI         string    `json:"imei"`
	Location     string    `json:"location"`
	Longitude    float64   `json:"lng"`
	Latitude     float64   `json:"lat"`
	Date         time.Time `json:"date"`
	Altitude     float64   `json:"altitude"`
	Speed        float64   `json:"speed"` // km/h
	Angle        float64   `json:"angle"` // degrees
	EngineStatus string    `json:"status_mesin"`
	IOData       IOData    `json:"iodata"`
	LogTimestamp time.Time `json:"logTimestamp"` // capture time, used for ordering
}

// EngineOnLabel is the engine-status label devices report while the engine runs
const EngineOnLabel = "ON"

// SortOrder selects the capture-timestamp ordering of a query result
type SortOrder int

const (
	OrderDescending SortOrder = iota
	OrderAscending
)

// TelemetryQuery represents filter options for record searches.
// Zero-valued fields mean "no constraint".
type TelemetryQuery struct {
	IMEI      string
	StartTime time.Time
	EndTime   time.Time
	MinSpeed  float64
	MaxSpeed  float64
	Order     SortOrder
	Limit     int
	Offset    int
}

// PageMeta describes one page of a paginated listing
type PageMeta struct {
	TotalItems   int `json:"totalItems"`
	ItemCount    int `json:"itemCount"`
	ItemsPerPage int `json:"itemsPerPage"`
	TotalPages   int `json:"totalPages"`
	CurrentPage  int `json:"currentPage"`
}

// ValueWithUnit is a decoded sensor reading
type ValueWithUnit struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// MovementStats holds the accumulated time, in seconds, spent in each movement state
type MovementStats struct {
	TotalMovingTime  float64 `json:"totalMovingTime"`
	TotalIdlingTime  float64 `json:"totalIdlingTime"`
	TotalStoppedTime float64 `json:"totalStoppedTime"`
}

// MetricsSummary provides trip-level statistics over an ordered record sequence
type MetricsSummary struct {
	TotalDistance float64       `json:"totalDistance"` // km
	TotalDuration float64       `json:"totalDuration"` // seconds
	AverageSpeed  float64       `json:"averageSpeed"`  // km/h
	MaxSpeed      float64       `json:"maxSpeed"`
	MinSpeed      float64       `json:"minSpeed"`
	MovementStats MovementStats `json:"movementStats"`
}

// GnssFix is the good/bad GNSS rollup of the dashboard
type GnssFix struct {
	Good int `json:"good"`
	Bad  int `json:"bad"`
}

// DashboardReport is the rollup computed over a filtered record set
type DashboardReport struct {
	TotalOdometerSum      ValueWithUnit  `json:"totalOdometerSum"`
	AverageBatteryVoltage ValueWithUnit  `json:"averageBatteryVoltage"`
	GsmSignalDistribution map[int]int    `json:"gsmSignalDistribution"`
	GnssFix               GnssFix        `json:"gnssFix"`
	BaseMetrics           MetricsSummary `json:"baseMetrics"`
	TotalRecordsProcessed int            `json:"totalRecordsProcessed"`
}

// GnssStatusCounts tallies records per raw GNSS status code (0-3)
type GnssStatusCounts map[int]int

// Trend is a sensor-code time series: Labels[i] is the capture time of Values[i].
// A nil value means the record did not report the code.
type Trend struct {
	Labels []string   `json:"labels"`
	Values []*float64 `json:"values"`
}

// TrackPoint is one position of a device track
type TrackPoint struct {
	ID        int64     `json:"id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceOdometer is the average reported odometer of one device
type DeviceOdometer struct {
	IMEI        string  `json:"imei"`
	AvgOdometer float64 `json:"avgOdometer"`
}

// DeviceSummary is a per-device entry of the device listing
type DeviceSummary struct {
	IMEI         string    `json:"imei"`
	RecordCount  int       `json:"record_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastLocation string    `json:"last_location"`
}

// NearbyDevice is a device found within a radius of a point
type NearbyDevice struct {
	IMEI       string  `json:"imei"`
	DistanceKM float64 `json:"distance_km"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
}
