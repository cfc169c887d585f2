package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gps-telemetry-monitor/internal/db"
	"gps-telemetry-monitor/internal/models"
	"gps-telemetry-monitor/internal/service"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    json.RawMessage `json:"meta"`
}

func newTestServer(t *testing.T, maxPageSize int) *Server {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewServer(service.New(database, nil, nil), maxPageSize)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid response body %q: %v", method, path, w.Body.String(), err)
	}
	return w, env
}

var base = time.Date(2025, 4, 28, 0, 0, 0, 0, time.UTC)

func sampleTrip(imei string) []models.GPSRecord {
	return []models.GPSRecord{
		{IMEI: imei, Latitude: -6.2, Longitude: 106.8, EngineStatus: "ON", LogTimestamp: base,
			IOData: models.IOData{"239": 1, "240": 0, "67": 12.5, "69": 1, "16": 1000}},
		{IMEI: imei, Latitude: -6.21, Longitude: 106.8, Speed: 40, EngineStatus: "ON", LogTimestamp: base.Add(time.Minute),
			IOData: models.IOData{"239": 1, "240": 1, "67": 13.5, "69": 1, "16": 2000}},
		{IMEI: imei, Latitude: -6.21, Longitude: 106.8, EngineStatus: "OFF", LogTimestamp: base.Add(2 * time.Minute),
			IOData: models.IOData{"239": 0, "240": 0, "69": 0, "16": 2000}},
	}
}

func seed(t *testing.T, s *Server, imei string) {
	t.Helper()
	w, env := do(t, s, "POST", "/api/v1/gps/batch", sampleTrip(imei))
	if w.Code != http.StatusCreated {
		t.Fatalf("batch insert: status %d, error %q", w.Code, env.Error)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, 100)

	w, env := do(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("health: status %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want the caller's", got)
	}
}

func TestBatchInsert(t *testing.T) {
	s := newTestServer(t, 100)

	w, env := do(t, s, "POST", "/api/v1/gps/batch", sampleTrip("A"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, error %q", w.Code, env.Error)
	}
	var res map[string]int64
	json.Unmarshal(env.Data, &res)
	if res["inserted"] != 3 {
		t.Errorf("inserted = %d", res["inserted"])
	}

	bad := sampleTrip("B")
	bad[1].Latitude = 120
	w, env = do(t, s, "POST", "/api/v1/gps/batch", bad)
	if w.Code != http.StatusBadRequest || env.Success {
		t.Errorf("invalid batch: status %d", w.Code)
	}

	w, _ = do(t, s, "POST", "/api/v1/gps/batch", []models.GPSRecord{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status %d", w.Code)
	}

	// The rejected batch must not have stored anything
	w, _ = do(t, s, "GET", "/api/v1/gps/latest/B", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("latest of rejected device: status %d", w.Code)
	}
}

func TestCreateRecordRequiresTimestamp(t *testing.T) {
	s := newTestServer(t, 100)

	w, env := do(t, s, "POST", "/api/v1/gps", models.GPSRecord{IMEI: "C", Latitude: 1, Longitude: 2})
	if w.Code != http.StatusBadRequest || env.Success {
		t.Fatalf("missing logTimestamp: status %d", w.Code)
	}

	batch := sampleTrip("C")
	batch[2].LogTimestamp = time.Time{}
	w, _ = do(t, s, "POST", "/api/v1/gps/batch", batch)
	if w.Code != http.StatusBadRequest {
		t.Errorf("batch with missing logTimestamp: status %d", w.Code)
	}

	w, env = do(t, s, "POST", "/api/v1/gps", models.GPSRecord{IMEI: "C", Latitude: 1, Longitude: 2, LogTimestamp: base})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, error %q", w.Code, env.Error)
	}
	var rec models.GPSRecord
	json.Unmarshal(env.Data, &rec)
	if rec.ID == 0 || !rec.LogTimestamp.Equal(base) {
		t.Errorf("stored record = %+v", rec)
	}
}

func TestListRecords(t *testing.T) {
	s := newTestServer(t, 2)
	seed(t, s, "A")
	seed(t, s, "B")

	w, env := do(t, s, "GET", "/api/v1/gps?imei=A&limit=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var meta models.PageMeta
	json.Unmarshal(env.Meta, &meta)
	if meta.TotalItems != 3 || meta.ItemsPerPage != 2 || meta.ItemCount != 2 || meta.TotalPages != 2 {
		t.Errorf("meta = %+v", meta)
	}

	var records []models.GPSRecord
	json.Unmarshal(env.Data, &records)
	if len(records) != 2 || !records[0].LogTimestamp.Equal(base.Add(2*time.Minute)) {
		t.Errorf("expected newest first, got %+v", records)
	}

	_, env = do(t, s, "GET", "/api/v1/gps?paginated=false", nil)
	records = nil
	json.Unmarshal(env.Data, &records)
	if len(records) != 6 {
		t.Errorf("unpaginated listing returned %d records", len(records))
	}

	w, _ = do(t, s, "GET", "/api/v1/gps?start_time=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad start_time: status %d", w.Code)
	}
	w, _ = do(t, s, "GET", "/api/v1/gps?page=0", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("page=0: status %d", w.Code)
	}
}

func TestLatest(t *testing.T) {
	s := newTestServer(t, 100)
	seed(t, s, "A")
	seed(t, s, "B")

	w, env := do(t, s, "GET", "/api/v1/gps/latest/A", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var rec models.GPSRecord
	json.Unmarshal(env.Data, &rec)
	if rec.EngineStatus != "OFF" {
		t.Errorf("latest = %+v", rec)
	}

	w, _ = do(t, s, "GET", "/api/v1/gps/latest/unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status %d", w.Code)
	}

	_, env = do(t, s, "GET", "/api/v1/gps/latest-for-all", nil)
	var all []models.GPSRecord
	json.Unmarshal(env.Data, &all)
	if len(all) != 2 {
		t.Errorf("latest-for-all returned %d records", len(all))
	}
}

func TestDashboardMetrics(t *testing.T) {
	s := newTestServer(t, 100)
	seed(t, s, "A")

	w, env := do(t, s, "GET", "/api/v1/gps/metrics?imei=A", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, error %q", w.Code, env.Error)
	}
	var report models.DashboardReport
	if err := json.Unmarshal(env.Data, &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalRecordsProcessed != 3 {
		t.Errorf("TotalRecordsProcessed = %d", report.TotalRecordsProcessed)
	}
	if report.AverageBatteryVoltage.Value != 13 || report.AverageBatteryVoltage.Unit != "V" {
		t.Errorf("AverageBatteryVoltage = %+v", report.AverageBatteryVoltage)
	}
	if report.GnssFix.Good != 2 || report.GnssFix.Bad != 1 {
		t.Errorf("GnssFix = %+v", report.GnssFix)
	}
	if report.BaseMetrics.TotalDuration != 120 {
		t.Errorf("TotalDuration = %v", report.BaseMetrics.TotalDuration)
	}

	w, _ = do(t, s, "GET", "/api/v1/gps/metrics?imei=unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status %d", w.Code)
	}

	w, env = do(t, s, "GET", "/api/v1/gps/metrics?imei=A&start_time=2030-01-01T00:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("empty window: status %d", w.Code)
	}
	report = models.DashboardReport{}
	json.Unmarshal(env.Data, &report)
	if report.TotalRecordsProcessed != 0 {
		t.Errorf("empty window processed %d records", report.TotalRecordsProcessed)
	}

	w, env = do(t, s, "GET", "/api/v1/gps/metrics/A/base", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("base metrics: status %d", w.Code)
	}
	var summary models.MetricsSummary
	json.Unmarshal(env.Data, &summary)
	if summary.MaxSpeed != 40 || summary.MinSpeed != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGnssTrendAndCoordinates(t *testing.T) {
	s := newTestServer(t, 100)
	seed(t, s, "A")

	w, env := do(t, s, "GET", "/api/v1/gps/gnss/A", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("gnss: status %d", w.Code)
	}
	var counts map[string]int
	json.Unmarshal(env.Data, &counts)
	if counts["0"] != 1 || counts["1"] != 2 || counts["2"] != 0 || counts["3"] != 0 {
		t.Errorf("counts = %v", counts)
	}

	w, _ = do(t, s, "GET", "/api/v1/gps/trends/A", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("trend without code: status %d", w.Code)
	}

	_, env = do(t, s, "GET", "/api/v1/gps/trends/A?code=67", nil)
	var trend models.Trend
	json.Unmarshal(env.Data, &trend)
	if len(trend.Labels) != 3 || trend.Labels[0] != "2025-04-28T00:00:00.000Z" {
		t.Fatalf("labels = %v", trend.Labels)
	}
	if trend.Values[0] == nil || *trend.Values[0] != 12.5 || trend.Values[2] != nil {
		t.Errorf("values = %v", trend.Values)
	}

	_, env = do(t, s, "GET", "/api/v1/gps/coordinates/A", nil)
	var points []models.TrackPoint
	json.Unmarshal(env.Data, &points)
	if len(points) != 3 || points[1].Latitude != -6.21 {
		t.Errorf("points = %+v", points)
	}
}

func TestOdometerCodesAndStats(t *testing.T) {
	s := newTestServer(t, 100)
	seed(t, s, "A")

	_, env := do(t, s, "GET", "/api/v1/gps/odometer/average", nil)
	var avgs []models.DeviceOdometer
	json.Unmarshal(env.Data, &avgs)
	if len(avgs) != 1 || avgs[0].IMEI != "A" || math.Abs(avgs[0].AvgOdometer-5000.0/3) > 1e-9 {
		t.Errorf("avgs = %+v", avgs)
	}

	_, env = do(t, s, "GET", "/api/v1/gps/sensor-codes", nil)
	var entries []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	json.Unmarshal(env.Data, &entries)
	found := false
	for _, e := range entries {
		if e.Code == "16" && e.Name == "totalOdometer" {
			found = true
		}
	}
	if !found {
		t.Errorf("code 16 missing from %v", entries)
	}

	w, env := do(t, s, "GET", "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d", w.Code)
	}
	var stats map[string]interface{}
	json.Unmarshal(env.Data, &stats)
	if stats["total_records"] != float64(3) {
		t.Errorf("stats = %v", stats)
	}
}

func TestNearbyWithoutCache(t *testing.T) {
	s := newTestServer(t, 100)

	w, _ := do(t, s, "GET", "/api/v1/gps/nearby?lat=1&lng=2", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", w.Code)
	}

	w, _ = do(t, s, "GET", "/api/v1/gps/nearby?lng=2", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing lat: status %d", w.Code)
	}
}
