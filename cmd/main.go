package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gps-telemetry-monitor/internal/analytics"
	"gps-telemetry-monitor/internal/api"
	"gps-telemetry-monitor/internal/cache"
	"gps-telemetry-monitor/internal/config"
	"gps-telemetry-monitor/internal/db"
	"gps-telemetry-monitor/internal/models"
	"gps-telemetry-monitor/internal/parser"
	"gps-telemetry-monitor/internal/service"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	cfg        *config.Config
	database   *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gps-monitor",
		Short: "GPS Telemetry Monitor - tracker data ingestion and analytics",
		Long: `A CLI tool for ingesting and analyzing GPS tracker telemetry.
Computes trip metrics, movement states, dashboard rollups and sensor trends
over records stored in SQLite, with an optional Redis cache for latest positions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(deviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// newService wires the store, the optional cache and the code table.
// The returned cleanup closes everything opened here.
func newService(withCache bool) (*service.Service, func(), error) {
	if err := initDB(); err != nil {
		return nil, nil, err
	}

	codes := analytics.DefaultCodeTable()
	if cfg.Analytics.SensorCodesPath != "" {
		t, err := analytics.LoadCodeTable(cfg.Analytics.SensorCodesPath)
		if err != nil {
			database.Close()
			return nil, nil, err
		}
		codes = t
	}

	var latest *cache.LatestCache
	if withCache && cfg.Redis.Enabled {
		c, err := cache.NewLatestCache(cfg.Redis)
		if err != nil {
			log.Printf("Warning: redis unavailable, continuing without cache: %v", err)
		} else {
			latest = c
		}
	}

	cleanup := func() {
		if latest != nil {
			latest.Close()
		}
		database.Close()
	}
	return service.New(database, latest, codes), cleanup, nil
}

func parseRange(start, end string) (service.TimeRange, error) {
	var tr service.TimeRange
	var err error
	if start != "" {
		if tr.Start, err = parser.ParseTimestamp(start); err != nil {
			return tr, fmt.Errorf("invalid start time: %w", err)
		}
	}
	if end != "" {
		if tr.End, err = parser.ParseTimestamp(end); err != nil {
			return tr, fmt.Errorf("invalid end time: %w", err)
		}
	}
	return tr, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			svc, cleanup, err := newService(true)
			if err != nil {
				return err
			}
			defer cleanup()

			server := api.NewServer(svc, cfg.Server.MaxPageSize)
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:      server.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			fmt.Printf("GPS Telemetry Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", srv.Addr)
			fmt.Printf("   Database: %s\n", cfg.Database.Path)
			fmt.Printf("   Redis cache: %v\n\n", cfg.Redis.Enabled)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /api/v1/gps")
			fmt.Println("  POST /api/v1/gps")
			fmt.Println("  POST /api/v1/gps/batch")
			fmt.Println("  GET  /api/v1/gps/latest/{imei}")
			fmt.Println("  GET  /api/v1/gps/latest-for-all")
			fmt.Println("  GET  /api/v1/gps/metrics")
			fmt.Println("  GET  /api/v1/gps/metrics/{imei}/base")
			fmt.Println("  GET  /api/v1/gps/gnss/{imei}")
			fmt.Println("  GET  /api/v1/gps/trends/{imei}?code=")
			fmt.Println("  GET  /api/v1/gps/coordinates/{imei}")
			fmt.Println("  GET  /api/v1/gps/odometer/average")
			fmt.Println("  GET  /api/v1/gps/nearby")
			fmt.Println("  GET  /api/v1/gps/devices")
			fmt.Println("  GET  /api/v1/gps/sensor-codes")
			fmt.Println("  GET  /api/v1/gps/stats")
			fmt.Println()

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-quit:
			}

			log.Println("Shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (overrides config)")
	return cmd
}

// ingestCmd ingests telemetry data from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest GPS records from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(true)
			if err != nil {
				return err
			}
			defer cleanup()

			p := parser.NewParser(format)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				// Drop invalid records instead of rejecting the whole file
				if validate {
					valid := records[:0]
					for i := range records {
						if problems := parser.ValidateRecord(&records[i]); len(problems) == 0 {
							valid = append(valid, records[i])
						} else {
							log.Printf("Warning: %s: skipping record %d: %s", file, i, strings.Join(problems, ", "))
							totalErrors++
						}
					}
					records = valid
				}
				if len(records) == 0 {
					fmt.Println("  No records to insert")
					continue
				}

				count, err := svc.Ingest(cmd.Context(), records)
				if err != nil {
					fmt.Printf("  Ingest error: %v\n", err)
					totalErrors++
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  Inserted %d records in %v (%.0f records/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			fmt.Printf("\nTotal: %d records ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "seed", "File format (seed, json, csv)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Skip invalid records instead of rejecting the file")
	return cmd
}

// queryCmd queries GPS records
func queryCmd() *cobra.Command {
	var imei string
	var startTime string
	var endTime string
	var minSpeed, maxSpeed float64
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query GPS records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			tr, err := parseRange(startTime, endTime)
			if err != nil {
				return err
			}
			q := models.TelemetryQuery{
				IMEI:      imei,
				StartTime: tr.Start,
				EndTime:   tr.End,
				MinSpeed:  minSpeed,
				MaxSpeed:  maxSpeed,
				Limit:     limit,
			}

			start := time.Now()
			results, err := database.QueryRecords(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				return printJSON(results)
			default:
				fmt.Printf("Found %d records (query time: %v)\n\n", len(results), elapsed)
				for i := range results {
					r := &results[i]
					fmt.Printf("[%s] IMEI: %s | Pos: %.6f,%.6f | Speed: %.1f km/h | Engine: %s | %s\n",
						r.LogTimestamp.Format("2006-01-02 15:04:05"),
						r.IMEI, r.Latitude, r.Longitude,
						r.Speed, r.EngineStatus, analytics.Classify(r))
					if r.Location != "" {
						fmt.Printf("     %s\n", r.Location)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&imei, "imei", "i", "", "Filter by device IMEI")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time")
	cmd.Flags().Float64Var(&minSpeed, "min-speed", 0, "Minimum speed in km/h")
	cmd.Flags().Float64Var(&maxSpeed, "max-speed", 0, "Maximum speed in km/h")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("GPS Telemetry Monitor Statistics")
			fmt.Println("================================")
			fmt.Printf("  Devices:          %v\n", stats["total_devices"])
			fmt.Printf("  GPS Records:      %v\n", stats["total_records"])
			if v, ok := stats["first_record_at"]; ok {
				fmt.Printf("  First Record:     %v\n", v)
			}
			if v, ok := stats["last_record_at"]; ok {
				fmt.Printf("  Last Record:      %v\n", v)
			}
			fmt.Printf("  Database:         %s\n", cfg.Database.Path)

			return nil
		},
	}
}

// generateCmd generates synthetic trips
func generateCmd() *cobra.Command {
	var count int
	var deviceCount int
	var interval time.Duration
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate synthetic GPS trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(true)
			if err != nil {
				return err
			}
			defer cleanup()

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			baseTime := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)

			var records []models.GPSRecord
			for i := 1; i <= deviceCount; i++ {
				imei := fmt.Sprintf("86%013d", rng.Int63n(1e13))
				records = append(records, generateTrip(rng, imei, baseTime, interval, count)...)
			}

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(records); i += batchSize {
				end := i + batchSize
				if end > len(records) {
					end = len(records)
				}
				n, err := svc.Ingest(cmd.Context(), records[i:end])
				if err != nil {
					return fmt.Errorf("insert batch: %w", err)
				}
				inserted += int(n)
				fmt.Printf("\rInserted %d/%d records...", inserted, len(records))
			}

			elapsed := time.Since(start)
			fmt.Printf("\nGenerated %d records for %d devices in %v (%.0f records/sec)\n",
				inserted, deviceCount, elapsed, float64(inserted)/elapsed.Seconds())

			// Export to file if requested
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(records); err != nil {
					return err
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 500, "Number of records per device")
	cmd.Flags().IntVarP(&deviceCount, "devices", "n", 5, "Number of devices")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between records")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated data to JSON file")
	return cmd
}

// tripPhase is one leg of a synthetic trip
type tripPhase struct {
	engine bool
	moving bool
}

var tripPhases = []tripPhase{
	{engine: false, moving: false}, // parked
	{engine: true, moving: false},  // warming up
	{engine: true, moving: true},   // driving
	{engine: true, moving: false},  // waiting
	{engine: false, moving: false}, // parked
}

// generateTrip produces n records for one device cycling through
// parked, idling and driving phases around Jakarta.
func generateTrip(rng *rand.Rand, imei string, start time.Time, interval time.Duration, n int) []models.GPSRecord {
	records := make([]models.GPSRecord, 0, n)

	lat := -6.2 + (rng.Float64()-0.5)*0.1
	lng := 106.816666 + (rng.Float64()-0.5)*0.1
	heading := rng.Float64() * 360
	odometer := float64(10000000 + rng.Intn(50000000))
	phaseLen := n/len(tripPhases) + 1

	for i := 0; i < n; i++ {
		phase := tripPhases[(i/phaseLen)%len(tripPhases)]

		speed := 0.0
		if phase.moving {
			speed = 20 + rng.Float64()*60
			heading = math.Mod(heading+(rng.Float64()-0.5)*20+360, 360)
			stepKM := speed * interval.Hours()
			lat += stepKM / 111.0 * math.Cos(heading*math.Pi/180)
			lng += stepKM / 111.0 * math.Sin(heading*math.Pi/180)
			odometer += stepKM * 1000
		}

		status := "OFF"
		ignition := 0.0
		if phase.engine {
			status = models.EngineOnLabel
			ignition = 1
		}
		movement := 0.0
		if phase.moving {
			movement = 1
		}
		gnss := 1.0
		if rng.Intn(20) == 0 {
			gnss = float64(rng.Intn(4))
		}

		ts := start.Add(time.Duration(i) * interval)
		records = append(records, models.GPSRecord{
			IMEI:         imei,
			Location:     fmt.Sprintf("Sector %d", rng.Intn(50)+1),
			Latitude:     lat,
			Longitude:    lng,
			Date:         ts,
			Altitude:     20 + rng.Float64()*30,
			Speed:        speed,
			Angle:        math.Round(heading),
			EngineStatus: status,
			IOData: models.IOData{
				analytics.CodeIgnition:       ignition,
				analytics.CodeMovement:       movement,
				analytics.CodeTotalOdometer:  math.Round(odometer),
				analytics.CodeBatteryVoltage: math.Round((12+rng.Float64()*2)*100) / 100,
				analytics.CodeGSMSignal:      float64(rng.Intn(6)),
				analytics.CodeGNSSStatus:     gnss,
			},
			LogTimestamp: ts,
		})
	}

	return records
}

// deviceCmd groups per-device analytics
func deviceCmd() *cobra.Command {
	var startTime, endTime string

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device analytics commands",
	}
	cmd.PersistentFlags().StringVarP(&startTime, "start", "s", "", "Start time")
	cmd.PersistentFlags().StringVarP(&endTime, "end", "e", "", "End time")

	// run opens the service, resolves the time range and hands both to fn
	run := func(fn func(cmd *cobra.Command, svc *service.Service, tr service.TimeRange, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			tr, err := parseRange(startTime, endTime)
			if err != nil {
				return err
			}
			svc, cleanup, err := newService(true)
			if err != nil {
				return err
			}
			defer cleanup()
			return fn(cmd, svc, tr, args)
		}
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		RunE: run(func(cmd *cobra.Command, svc *service.Service, _ service.TimeRange, _ []string) error {
			devices, err := svc.Devices()
			if err != nil {
				return fmt.Errorf("error listing devices: %w", err)
			}

			if len(devices) == 0 {
				fmt.Println("No devices found. Use 'gps-monitor generate' to create sample data.")
				return nil
			}

			fmt.Printf("%-17s %-8s %-20s %-20s %s\n", "IMEI", "Records", "First Seen", "Last Seen", "Last Location")
			fmt.Println(strings.Repeat("-", 90))
			for _, d := range devices {
				fmt.Printf("%-17s %-8d %-20s %-20s %s\n", d.IMEI, d.RecordCount,
					d.FirstSeen.Format("2006-01-02 15:04:05"), d.LastSeen.Format("2006-01-02 15:04:05"), d.LastLocation)
			}
			return nil
		}),
	}

	latestCmd := &cobra.Command{
		Use:   "latest [imei]",
		Short: "Show the latest record of a device",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *service.Service, _ service.TimeRange, args []string) error {
			r, err := svc.Latest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		}),
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics [imei]",
		Short: "Show dashboard metrics, for one device or the whole fleet",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *service.Service, tr service.TimeRange, args []string) error {
			imei := ""
			if len(args) == 1 {
				imei = args[0]
			}

			start := time.Now()
			report, err := svc.DashboardMetrics(imei, tr)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			m := report.BaseMetrics
			fmt.Printf("Dashboard Metrics (query: %v)\n", elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Records Processed:  %d\n", report.TotalRecordsProcessed)
			fmt.Printf("  Odometer Sum:       %.0f %s\n", report.TotalOdometerSum.Value, report.TotalOdometerSum.Unit)
			fmt.Printf("  Avg Battery:        %.2f %s\n", report.AverageBatteryVoltage.Value, report.AverageBatteryVoltage.Unit)
			fmt.Printf("  GNSS Fix:           %d good / %d bad\n", report.GnssFix.Good, report.GnssFix.Bad)
			fmt.Printf("  GSM Signal:         %v\n", report.GsmSignalDistribution)
			fmt.Printf("  Total Distance:     %.2f km\n", m.TotalDistance)
			fmt.Printf("  Total Duration:     %s\n", time.Duration(m.TotalDuration*float64(time.Second)))
			fmt.Printf("  Average Speed:      %.1f km/h\n", m.AverageSpeed)
			fmt.Printf("  Speed Range:        %.1f - %.1f km/h\n", m.MinSpeed, m.MaxSpeed)
			fmt.Printf("  Moving:             %s\n", time.Duration(m.MovementStats.TotalMovingTime*float64(time.Second)))
			fmt.Printf("  Idling:             %s\n", time.Duration(m.MovementStats.TotalIdlingTime*float64(time.Second)))
			fmt.Printf("  Stopped:            %s\n", time.Duration(m.MovementStats.TotalStoppedTime*float64(time.Second)))
			return nil
		}),
	}

	gnssCmd := &cobra.Command{
		Use:   "gnss [imei]",
		Short: "Count records per GNSS status code",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *service.Service, _ service.TimeRange, args []string) error {
			counts, err := svc.GnssStatusCounts(args[0])
			if err != nil {
				return err
			}
			for status := 0; status <= 3; status++ {
				fmt.Printf("  GNSS status %d: %d\n", status, counts[status])
			}
			return nil
		}),
	}

	var code string
	trendCmd := &cobra.Command{
		Use:   "trend [imei]",
		Short: "Print the time series of one sensor code",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *service.Service, tr service.TimeRange, args []string) error {
			trend, err := svc.Trend(args[0], tr, code)
			if err != nil {
				return err
			}
			name, _ := svc.Codes().Name(code)
			fmt.Printf("Trend of code %s (%s): %d points\n", code, name, len(trend.Labels))
			for i, label := range trend.Labels {
				if v := trend.Values[i]; v != nil {
					fmt.Printf("  %s  %g\n", label, *v)
				} else {
					fmt.Printf("  %s  -\n", label)
				}
			}
			return nil
		}),
	}
	trendCmd.Flags().StringVarP(&code, "code", "c", analytics.CodeBatteryVoltage, "Sensor code")

	coordinatesCmd := &cobra.Command{
		Use:   "coordinates [imei]",
		Short: "Print the track of a device as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, svc *service.Service, tr service.TimeRange, args []string) error {
			points, err := svc.Coordinates(args[0], tr)
			if err != nil {
				return err
			}
			return printJSON(points)
		}),
	}

	odometerCmd := &cobra.Command{
		Use:   "odometer",
		Short: "Show the average odometer of every device",
		RunE: run(func(cmd *cobra.Command, svc *service.Service, _ service.TimeRange, _ []string) error {
			avgs, err := svc.AverageOdometer()
			if err != nil {
				return err
			}
			for _, a := range avgs {
				fmt.Printf("  %-17s %.0f m\n", a.IMEI, a.AvgOdometer)
			}
			return nil
		}),
	}

	cmd.AddCommand(listCmd, latestCmd, metricsCmd, gnssCmd, trendCmd, coordinatesCmd, odometerCmd)
	return cmd
}
