package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gps-telemetry-monitor/internal/models"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no record
var ErrNotFound = errors.New("record not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

const recordColumns = `id, imei, location, lng, lat, date, altitude, speed, angle,
	status_mesin, iodata, log_timestamp`

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gps_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		imei TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		lng REAL NOT NULL,
		lat REAL NOT NULL,
		date DATETIME,
		altitude REAL NOT NULL DEFAULT 0,
		speed REAL NOT NULL DEFAULT 0,
		angle REAL NOT NULL DEFAULT 0,
		status_mesin TEXT NOT NULL DEFAULT '',
		iodata TEXT NOT NULL DEFAULT '{}',
		log_timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gps_data_imei ON gps_data(imei);
	CREATE INDEX IF NOT EXISTS idx_gps_data_log_timestamp ON gps_data(log_timestamp);
	CREATE INDEX IF NOT EXISTS idx_gps_data_imei_log_timestamp ON gps_data(imei, log_timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// InsertRecord adds a single telemetry record and sets its ID
func (db *Database) InsertRecord(r *models.GPSRecord) error {
	args, err := insertArgs(r)
	if err != nil {
		return err
	}

	result, err := db.conn.Exec(insertQuery, args...)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	id, _ := result.LastInsertId()
	r.ID = id
	return nil
}

// InsertRecordBatch inserts multiple telemetry records in one transaction
func (db *Database) InsertRecordBatch(records []models.GPSRecord) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertQuery)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for i := range records {
		args, err := insertArgs(&records[i])
		if err != nil {
			return 0, err
		}
		result, err := stmt.Exec(args...)
		if err != nil {
			return 0, fmt.Errorf("insert record %d: %w", i, err)
		}
		records[i].ID, _ = result.LastInsertId()
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

const insertQuery = `
	INSERT INTO gps_data
	(imei, location, lng, lat, date, altitude, speed, angle, status_mesin, iodata, log_timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertArgs(r *models.GPSRecord) ([]interface{}, error) {
	io := r.IOData
	if io == nil {
		io = models.IOData{}
	}
	encoded, err := json.Marshal(io)
	if err != nil {
		return nil, fmt.Errorf("encode iodata: %w", err)
	}
	var date interface{}
	if !r.Date.IsZero() {
		date = r.Date.UTC()
	}
	return []interface{}{
		r.IMEI, r.Location, r.Longitude, r.Latitude, date, r.Altitude,
		r.Speed, r.Angle, r.EngineStatus, string(encoded), r.LogTimestamp.UTC(),
	}, nil
}

// buildConditions turns filter options into a WHERE clause. Zero-valued
// fields add no predicate.
func buildConditions(q models.TelemetryQuery) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if q.IMEI != "" {
		conditions = append(conditions, "imei = ?")
		args = append(args, q.IMEI)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "log_timestamp >= ?")
		args = append(args, q.StartTime.UTC())
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "log_timestamp <= ?")
		args = append(args, q.EndTime.UTC())
	}
	if q.MinSpeed > 0 {
		conditions = append(conditions, "speed >= ?")
		args = append(args, q.MinSpeed)
	}
	if q.MaxSpeed > 0 {
		conditions = append(conditions, "speed <= ?")
		args = append(args, q.MaxSpeed)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryRecords retrieves telemetry records matching the filter options,
// ordered by capture timestamp in the requested direction.
func (db *Database) QueryRecords(q models.TelemetryQuery) ([]models.GPSRecord, error) {
	where, args := buildConditions(q)

	query := "SELECT " + recordColumns + " FROM gps_data" + where

	if q.Order == models.OrderAscending {
		query += " ORDER BY log_timestamp ASC, id ASC"
	} else {
		query += " ORDER BY log_timestamp DESC, id DESC"
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountRecords returns the number of records matching the filter options
func (db *Database) CountRecords(q models.TelemetryQuery) (int, error) {
	where, args := buildConditions(q)

	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM gps_data"+where, args...).Scan(&count)
	return count, err
}

// QueryPage returns one page (1-based) of matching records, newest first
func (db *Database) QueryPage(q models.TelemetryQuery, page, limit int) ([]models.GPSRecord, models.PageMeta, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	total, err := db.CountRecords(q)
	if err != nil {
		return nil, models.PageMeta{}, err
	}

	q.Order = models.OrderDescending
	q.Limit = limit
	q.Offset = (page - 1) * limit
	records, err := db.QueryRecords(q)
	if err != nil {
		return nil, models.PageMeta{}, err
	}

	meta := models.PageMeta{
		TotalItems:   total,
		ItemCount:    len(records),
		ItemsPerPage: limit,
		TotalPages:   int(math.Ceil(float64(total) / float64(limit))),
		CurrentPage:  page,
	}
	return records, meta, nil
}

// GetLatestRecord returns the most recent record of a device
func (db *Database) GetLatestRecord(imei string) (*models.GPSRecord, error) {
	query := "SELECT " + recordColumns + ` FROM gps_data
		WHERE imei = ?
		ORDER BY log_timestamp DESC, id DESC
		LIMIT 1`

	r, err := scanRecord(db.conn.QueryRow(query, imei))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLatestForAll returns the newest record of every device within the
// optional time window, ordered by IMEI.
func (db *Database) GetLatestForAll(start, end time.Time) ([]models.GPSRecord, error) {
	where, args := buildConditions(models.TelemetryQuery{StartTime: start, EndTime: end})

	query := "SELECT " + recordColumns + ` FROM gps_data
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY imei ORDER BY log_timestamp DESC, id DESC
				) AS rn
				FROM gps_data` + where + `
			) WHERE rn = 1
		)
		ORDER BY imei ASC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeviceExists reports whether any record was stored for the device
func (db *Database) DeviceExists(imei string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow("SELECT EXISTS(SELECT 1 FROM gps_data WHERE imei = ?)", imei).Scan(&exists)
	return exists, err
}

// ListDevices returns one summary per known device
func (db *Database) ListDevices() ([]models.DeviceSummary, error) {
	query := `
		SELECT imei, COUNT(*), MIN(log_timestamp), MAX(log_timestamp),
		       (SELECT location FROM gps_data l WHERE l.imei = g.imei
		        ORDER BY log_timestamp DESC, id DESC LIMIT 1)
		FROM gps_data g
		GROUP BY imei
		ORDER BY imei
	`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.DeviceSummary
	for rows.Next() {
		var d models.DeviceSummary
		var first, last string
		var location sql.NullString
		if err := rows.Scan(&d.IMEI, &d.RecordCount, &first, &last, &location); err != nil {
			return nil, err
		}
		if d.FirstSeen, err = parseTimestamp(first); err != nil {
			return nil, err
		}
		if d.LastSeen, err = parseTimestamp(last); err != nil {
			return nil, err
		}
		d.LastLocation = location.String
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetAverageOdometerByIMEI returns the average total-odometer reading (code 16)
// of every device. Devices that never reported it average to 0.
func (db *Database) GetAverageOdometerByIMEI() ([]models.DeviceOdometer, error) {
	query := `
		SELECT imei, AVG(CAST(json_extract(iodata, '$."16"') AS REAL))
		FROM gps_data
		GROUP BY imei
		ORDER BY imei
	`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.DeviceOdometer
	for rows.Next() {
		var d models.DeviceOdometer
		var avg sql.NullFloat64
		if err := rows.Scan(&d.IMEI, &avg); err != nil {
			return nil, err
		}
		d.AvgOdometer = avg.Float64
		result = append(result, d)
	}
	return result, rows.Err()
}

// GetRecordCount returns total telemetry records
func (db *Database) GetRecordCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM gps_data").Scan(&count)
	return count, err
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	var totalRecords, totalDevices int64
	var first, last sql.NullString

	err := db.conn.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT imei), MIN(log_timestamp), MAX(log_timestamp)
		FROM gps_data
	`).Scan(&totalRecords, &totalDevices, &first, &last)
	if err != nil {
		return nil, err
	}

	stats := map[string]interface{}{
		"total_records": totalRecords,
		"total_devices": totalDevices,
	}
	if first.Valid {
		if t, err := parseTimestamp(first.String); err == nil {
			stats["first_record_at"] = t
		}
	}
	if last.Valid {
		if t, err := parseTimestamp(last.String); err == nil {
			stats["last_record_at"] = t
		}
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (models.GPSRecord, error) {
	var r models.GPSRecord
	var date sql.NullTime
	var iodata string

	err := s.Scan(
		&r.ID, &r.IMEI, &r.Location, &r.Longitude, &r.Latitude, &date,
		&r.Altitude, &r.Speed, &r.Angle, &r.EngineStatus, &iodata, &r.LogTimestamp,
	)
	if err != nil {
		return r, err
	}
	if date.Valid {
		r.Date = date.Time
	}
	if err := json.Unmarshal([]byte(iodata), &r.IOData); err != nil {
		return r, fmt.Errorf("decode iodata of record %d: %w", r.ID, err)
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]models.GPSRecord, error) {
	var results []models.GPSRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// parseTimestamp parses timestamps SQLite returns as text from aggregates
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
