package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gps-telemetry-monitor/internal/models"
)

// ioColumnPrefix marks CSV columns that carry raw sensor codes, e.g. io_239
const ioColumnPrefix = "io_"

// Parser handles parsing of telemetry data files
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format (seed, json, csv)
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile parses a telemetry data file
func (p *Parser) ParseFile(filename string) ([]models.GPSRecord, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse parses telemetry data from a reader
func (p *Parser) Parse(r io.Reader) ([]models.GPSRecord, error) {
	switch strings.ToLower(p.format) {
	case "seed":
		return parseSeed(r)
	case "json":
		return parseJSON(r)
	case "csv":
		return parseCSV(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// seedEntry is one reading of a device dump file. Coordinates arrive as strings.
type seedEntry struct {
	IMEI         string        `json:"imei"`
	Location     string        `json:"location"`
	Lng          string        `json:"lng"`
	Lat          string        `json:"lat"`
	Date         string        `json:"date"`
	Altitude     float64       `json:"altitude"`
	Speed        float64       `json:"speed"`
	Angle        float64       `json:"angle"`
	EngineStatus string        `json:"status_mesin"`
	IOData       models.IOData `json:"iodata"`
}

// parseSeed parses a device dump: a JSON object keyed by capture timestamp
// ("2025-04-28 00:03:55"). Records come back in capture order.
func parseSeed(r io.Reader) ([]models.GPSRecord, error) {
	var entries map[string]seedEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	results := make([]models.GPSRecord, 0, len(entries))
	for key, e := range entries {
		ts, err := parseTimestamp(key)
		if err != nil {
			log.Printf("Warning: entry %q: %v", key, err)
			continue
		}

		rec := models.GPSRecord{
			IMEI:         e.IMEI,
			Location:     e.Location,
			Altitude:     e.Altitude,
			Speed:        e.Speed,
			Angle:        e.Angle,
			EngineStatus: e.EngineStatus,
			IOData:       e.IOData,
			LogTimestamp: ts,
		}
		if rec.Latitude, err = parseFinite(strings.TrimSpace(e.Lat)); err != nil {
			log.Printf("Warning: entry %q: invalid lat %q", key, e.Lat)
			continue
		}
		if rec.Longitude, err = parseFinite(strings.TrimSpace(e.Lng)); err != nil {
			log.Printf("Warning: entry %q: invalid lng %q", key, e.Lng)
			continue
		}
		if e.Date != "" {
			if rec.Date, err = parseTimestamp(e.Date); err != nil {
				log.Printf("Warning: entry %q: invalid date %q", key, e.Date)
			}
		}
		results = append(results, rec)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].LogTimestamp.Before(results[j].LogTimestamp)
	})
	return results, nil
}

// parseJSON parses a JSON array of records or newline-delimited JSON
func parseJSON(r io.Reader) ([]models.GPSRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var results []models.GPSRecord
	if err := json.Unmarshal(data, &results); err == nil {
		return results, nil
	}

	return parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func parseJSONLines(r io.Reader) ([]models.GPSRecord, error) {
	var results []models.GPSRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}

		line = strings.TrimSuffix(line, ",")

		var rec models.GPSRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("Warning: line %d: %v", lineNum, err)
			continue
		}
		results = append(results, rec)
	}

	return results, scanner.Err()
}

// parseCSV parses CSV formatted telemetry data. Columns named io_<code> are
// collected into the record's sensor readings.
func parseCSV(r io.Reader) ([]models.GPSRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	ioColumns := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if code, ok := strings.CutPrefix(name, ioColumnPrefix); ok && code != "" {
			ioColumns[code] = i
			continue
		}
		indices[name] = i
	}

	var results []models.GPSRecord
	lineNum := 1

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		rec, err := rowToRecord(row, indices, ioColumns)
		if err != nil {
			log.Printf("Warning: line %d: %v", lineNum, err)
			continue
		}
		results = append(results, rec)
	}

	return results, nil
}

// rowToRecord converts a CSV row to a GPSRecord
func rowToRecord(row []string, indices, ioColumns map[string]int) (models.GPSRecord, error) {
	var rec models.GPSRecord
	var err error

	getValue := func(idx int, ok bool) string {
		if ok && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}
	field := func(key string) string {
		idx, ok := indices[key]
		return getValue(idx, ok)
	}

	rec.IMEI = field("imei")
	if rec.IMEI == "" {
		return rec, fmt.Errorf("missing imei")
	}

	rec.LogTimestamp, err = parseTimestamp(field("timestamp"))
	if err != nil {
		return rec, fmt.Errorf("invalid timestamp: %w", err)
	}
	if d := field("date"); d != "" {
		rec.Date, _ = parseTimestamp(d)
	}

	rec.Location = field("location")
	rec.EngineStatus = field("status_mesin")
	if rec.Latitude, err = parseFinite(field("lat")); err != nil {
		return rec, fmt.Errorf("invalid lat: %w", err)
	}
	if rec.Longitude, err = parseFinite(field("lng")); err != nil {
		return rec, fmt.Errorf("invalid lng: %w", err)
	}
	if v := field("speed"); v != "" {
		if rec.Speed, err = parseFinite(v); err != nil {
			return rec, fmt.Errorf("invalid speed: %w", err)
		}
	}
	rec.Altitude, _ = strconv.ParseFloat(field("altitude"), 64)
	rec.Angle, _ = strconv.ParseFloat(field("angle"), 64)

	rec.IOData = make(models.IOData, len(ioColumns))
	for code, idx := range ioColumns {
		v := getValue(idx, true)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rec, fmt.Errorf("invalid value %q for sensor code %s", v, code)
		}
		rec.IOData[code] = f
	}

	return rec, nil
}

// parseFinite parses a required float that must be neither NaN nor infinite
func parseFinite(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return f, nil
}

// parseTimestamp tries multiple timestamp formats. Times without a zone are UTC.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"2006-01-02",
	}

	s = strings.TrimSpace(s)
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ParseTimestamp parses a timestamp in any of the accepted input layouts
func ParseTimestamp(s string) (time.Time, error) {
	return parseTimestamp(s)
}

// ValidateRecord validates a telemetry record
func ValidateRecord(r *models.GPSRecord) []string {
	var errors []string

	if r.IMEI == "" {
		errors = append(errors, "imei is required")
	}
	if r.LogTimestamp.IsZero() {
		errors = append(errors, "logTimestamp is required")
	}
	// Written so that NaN, which fails every comparison, is out of range
	if !(r.Latitude >= -90 && r.Latitude <= 90) {
		errors = append(errors, "lat must be between -90 and 90")
	}
	if !(r.Longitude >= -180 && r.Longitude <= 180) {
		errors = append(errors, "lng must be between -180 and 180")
	}
	if !(r.Speed >= 0) || math.IsInf(r.Speed, 1) {
		errors = append(errors, "speed must be a non-negative finite number")
	}

	return errors
}
