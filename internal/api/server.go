package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"gps-telemetry-monitor/internal/models"
	"gps-telemetry-monitor/internal/parser"
	"gps-telemetry-monitor/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 10
	requestIDHeader = "X-Request-ID"
)

// Server represents the API server
type Server struct {
	svc         *service.Service
	router      *mux.Router
	maxPageSize int
}

// NewServer creates a new API server. maxPageSize caps the limit parameter of listings.
func NewServer(svc *service.Service, maxPageSize int) *Server {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	s := &Server{
		svc:         svc,
		router:      mux.NewRouter(),
		maxPageSize: maxPageSize,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	gps := s.router.PathPrefix("/api/v1/gps").Subrouter()
	gps.HandleFunc("", s.handleListRecords).Methods("GET")
	gps.HandleFunc("", s.handleCreateRecord).Methods("POST")
	gps.HandleFunc("/batch", s.handleBatchRecords).Methods("POST")
	gps.HandleFunc("/latest-for-all", s.handleLatestForAll).Methods("GET")
	gps.HandleFunc("/latest/{imei}", s.handleLatest).Methods("GET")

	// Analytics
	gps.HandleFunc("/metrics", s.handleDashboardMetrics).Methods("GET")
	gps.HandleFunc("/metrics/{imei}/base", s.handleBaseMetrics).Methods("GET")
	gps.HandleFunc("/gnss/{imei}", s.handleGnssStatus).Methods("GET")
	gps.HandleFunc("/trends/{imei}", s.handleTrend).Methods("GET")
	gps.HandleFunc("/coordinates/{imei}", s.handleCoordinates).Methods("GET")
	gps.HandleFunc("/odometer/average", s.handleAverageOdometer).Methods("GET")
	gps.HandleFunc("/nearby", s.handleNearby).Methods("GET")

	gps.HandleFunc("/devices", s.handleDevices).Methods("GET")
	gps.HandleFunc("/sensor-codes", s.handleSensorCodes).Methods("GET")
	gps.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

type ctxRequestID struct{}

// Middleware
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(ctxRequestID{}).(string)
		log.Printf("%s %s %d %v [%s]", r.Method, r.URL.Path, rec.status, time.Since(start), id)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, message string, data interface{}, m interface{}) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Message: message, Data: data, Meta: m})
}

// respondServiceError maps service errors onto HTTP status codes
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrCacheDisabled):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &verr), errors.Is(err, service.ErrIMEIRequired):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// Query parameter helpers
func timeRangeFromQuery(r *http.Request) (service.TimeRange, error) {
	var tr service.TimeRange
	var err error
	if v := r.URL.Query().Get("start_time"); v != "" {
		if tr.Start, err = parser.ParseTimestamp(v); err != nil {
			return tr, fmt.Errorf("invalid start_time: %s", v)
		}
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		if tr.End, err = parser.ParseTimestamp(v); err != nil {
			return tr, fmt.Errorf("invalid end_time: %s", v)
		}
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return tr, fmt.Errorf("end_time is before start_time")
	}
	return tr, nil
}

func intParam(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 1 {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return i, nil
}

func floatParam(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return f, nil
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, "", map[string]string{"status": "healthy"})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	page, err := intParam(r, "page", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	paginated := true
	if v := r.URL.Query().Get("paginated"); v != "" {
		if paginated, err = strconv.ParseBool(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid paginated: "+v)
			return
		}
	}

	q := models.TelemetryQuery{
		IMEI:      r.URL.Query().Get("imei"),
		StartTime: tr.Start,
		EndTime:   tr.End,
	}
	records, meta, err := s.svc.List(q, page, limit, paginated)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if records == nil {
		records = []models.GPSRecord{}
	}

	if meta == nil {
		respondWithMeta(w, "List of GPS data", records, map[string]int64{"query_ms": time.Since(start).Milliseconds()})
		return
	}
	respondWithMeta(w, "List of GPS data with pagination", records, meta)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.GPSRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	records := []models.GPSRecord{rec}
	if _, err := s.svc.Ingest(r.Context(), records); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, "GPS data stored", records[0])
}

func (s *Server) handleBatchRecords(w http.ResponseWriter, r *http.Request) {
	var records []models.GPSRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	count, err := s.svc.Ingest(r.Context(), records)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, "GPS data stored", map[string]int64{"inserted": count})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	imei := mux.Vars(r)["imei"]

	rec, err := s.svc.Latest(r.Context(), imei)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "Latest GPS data for IMEI "+imei, rec)
}

func (s *Server) handleLatestForAll(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.svc.LatestForAll(tr)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if records == nil {
		records = []models.GPSRecord{}
	}

	respondJSON(w, http.StatusOK, "List of latest GPS data for all IMEIs", records)
}

func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.svc.DashboardMetrics(r.URL.Query().Get("imei"), tr)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondWithMeta(w, "Dashboard metrics", report, map[string]int64{"query_ms": time.Since(start).Milliseconds()})
}

func (s *Server) handleBaseMetrics(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.svc.BaseMetrics(mux.Vars(r)["imei"], tr)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "Trip metrics", summary)
}

func (s *Server) handleGnssStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.GnssStatusCounts(mux.Vars(r)["imei"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "GNSS status counts", counts)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	trend, err := s.svc.Trend(mux.Vars(r)["imei"], tr, code)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "Sensor trend for code "+code, trend)
}

func (s *Server) handleCoordinates(w http.ResponseWriter, r *http.Request) {
	tr, err := timeRangeFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := s.svc.Coordinates(mux.Vars(r)["imei"], tr)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "Device track", points)
}

func (s *Server) handleAverageOdometer(w http.ResponseWriter, r *http.Request) {
	avgs, err := s.svc.AverageOdometer()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if avgs == nil {
		avgs = []models.DeviceOdometer{}
	}

	respondJSON(w, http.StatusOK, "Average odometer by IMEI", avgs)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	lng, err := floatParam(r, "lng")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius := 1.0
	if r.URL.Query().Get("radius_km") != "" {
		if radius, err = floatParam(r, "radius_km"); err != nil || radius <= 0 {
			respondError(w, http.StatusBadRequest, "invalid radius_km")
			return
		}
	}

	devices, err := s.svc.Nearby(r.Context(), lat, lng, radius)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "Devices nearby", devices)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.Devices()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if devices == nil {
		devices = []models.DeviceSummary{}
	}

	respondJSON(w, http.StatusOK, "Known devices", devices)
}

func (s *Server) handleSensorCodes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, "Sensor code table", s.svc.Codes().Entries())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats()
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, "", stats)
}
