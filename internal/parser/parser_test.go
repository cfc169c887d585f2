package parser

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gps-telemetry-monitor/internal/models"
)

const seedFixture = `{
  "2025-04-28 00:03:55": {
    "imei": "353691845092989",
    "location": "Jl. Gatot Subroto",
    "lng": "106.8227",
    "lat": "-6.2088",
    "date": "2025-04-28 00:03:54",
    "altitude": 12,
    "speed": 0,
    "angle": 90,
    "status_mesin": "ON",
    "iodata": {"239": 1, "240": 0, "21": 4, "69": 1, "16": 120345}
  },
  "2025-04-28 00:03:25": {
    "imei": "353691845092989",
    "location": "Jl. Gatot Subroto",
    "lng": "106.8221",
    "lat": "-6.2081",
    "date": "2025-04-28 00:03:24",
    "altitude": 11,
    "speed": 18,
    "angle": 92,
    "status_mesin": "ON",
    "iodata": {"239": 1, "240": 1}
  },
  "not a time": {"imei": "x", "lng": "0", "lat": "0"}
}`

func TestParseSeed(t *testing.T) {
	records, err := NewParser("seed").Parse(strings.NewReader(seedFixture))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if !first.LogTimestamp.Equal(time.Date(2025, 4, 28, 0, 3, 25, 0, time.UTC)) {
		t.Errorf("records not in capture order, first = %v", first.LogTimestamp)
	}
	if first.Latitude != -6.2081 || first.Longitude != 106.8221 {
		t.Errorf("coordinates not parsed: %f, %f", first.Latitude, first.Longitude)
	}
	if first.Speed != 18 || first.EngineStatus != "ON" || first.IOData["240"] != 1 {
		t.Errorf("unexpected record %+v", first)
	}
	if records[1].IOData["16"] != 120345 {
		t.Errorf("iodata not parsed: %v", records[1].IOData)
	}
	if records[1].Date.IsZero() {
		t.Errorf("date not parsed")
	}
}

func TestParseJSONArrayAndLines(t *testing.T) {
	array := `[{"imei":"A","lat":1,"lng":2,"speed":3,"logTimestamp":"2025-04-28T00:00:00Z","iodata":{"69":1}}]`
	records, err := NewParser("json").Parse(strings.NewReader(array))
	if err != nil || len(records) != 1 {
		t.Fatalf("array: %v, %d records", err, len(records))
	}
	if records[0].IOData["69"] != 1 {
		t.Errorf("iodata lost: %+v", records[0])
	}

	lines := `{"imei":"A","lat":1,"lng":2,"logTimestamp":"2025-04-28T00:00:00Z"}
not json
{"imei":"B","lat":1,"lng":2,"logTimestamp":"2025-04-28T00:00:01Z"}
`
	records, err = NewParser("json").Parse(strings.NewReader(lines))
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(records) != 2 || records[1].IMEI != "B" {
		t.Errorf("unexpected NDJSON result %+v", records)
	}
}

func TestParseCSV(t *testing.T) {
	data := `imei,timestamp,lat,lng,speed,status_mesin,io_239,io_240,io_66
A,2025-04-28 00:00:00,-6.2,106.8,0,ON,1,0,12800
A,2025-04-28 00:00:30,-6.2,106.8,25,ON,1,1,
,2025-04-28 00:01:00,-6.2,106.8,0,ON,1,0,12800
A,2025-04-28 00:01:30,-6.2,106.8,0,OFF,bad,0,12800
`
	records, err := NewParser("csv").Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(records))
	}
	if records[0].IOData["66"] != 12800 || records[0].IOData["239"] != 1 {
		t.Errorf("io columns not collected: %v", records[0].IOData)
	}
	if _, ok := records[1].IOData["66"]; ok {
		t.Errorf("empty io column should be absent: %v", records[1].IOData)
	}
}

func TestParseFileUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewParser("xml").ParseFile(path); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2025, 4, 28, 0, 3, 55, 0, time.UTC)
	for _, s := range []string{"2025-04-28 00:03:55", "2025-04-28T00:03:55Z", "2025-04-28T07:03:55+07:00", "1745798635"} {
		got, err := ParseTimestamp(s)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) failed: %v", s, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestValidateRecord(t *testing.T) {
	valid := models.GPSRecord{IMEI: "A", Latitude: 10, Longitude: 20, LogTimestamp: time.Now()}
	if errs := ValidateRecord(&valid); len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}

	invalid := models.GPSRecord{Latitude: 91, Longitude: -181, Speed: -1}
	if errs := ValidateRecord(&invalid); len(errs) != 5 {
		t.Errorf("expected 5 errors, got %v", errs)
	}
}

func TestParseCSVRejectsBadCoordinates(t *testing.T) {
	data := `imei,timestamp,lat,lng,speed
A,2025-04-28 00:00:00,-6.2,106.8,0
A,2025-04-28 00:00:30,abc,106.8,0
A,2025-04-28 00:01:00,NaN,106.8,0
A,2025-04-28 00:01:30,-6.2,,0
A,2025-04-28 00:02:00,-6.2,106.8,Inf
A,2025-04-28 00:02:30,-6.2,106.8,
`
	records, err := NewParser("csv").Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 rows with usable coordinates, got %d: %+v", len(records), records)
	}
	for _, r := range records {
		if r.Latitude != -6.2 || r.Longitude != 106.8 || r.Speed != 0 {
			t.Errorf("unexpected record %+v", r)
		}
	}
}

func TestValidateRecordRejectsNonFinite(t *testing.T) {
	tests := []struct {
		name string
		rec  models.GPSRecord
	}{
		{"nan lat", models.GPSRecord{Latitude: math.NaN()}},
		{"nan lng", models.GPSRecord{Longitude: math.NaN()}},
		{"inf lng", models.GPSRecord{Longitude: math.Inf(-1)}},
		{"nan speed", models.GPSRecord{Speed: math.NaN()}},
		{"inf speed", models.GPSRecord{Speed: math.Inf(1)}},
	}
	for _, tt := range tests {
		tt.rec.IMEI = "A"
		tt.rec.LogTimestamp = time.Now()
		if errs := ValidateRecord(&tt.rec); len(errs) != 1 {
			t.Errorf("%s: expected one problem, got %v", tt.name, errs)
		}
	}
}
