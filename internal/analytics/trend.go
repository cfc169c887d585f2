package analytics

import (
	"time"

	"gps-telemetry-monitor/internal/models"
)

// ISOTimestamp is the label layout of trend series (UTC, millisecond precision)
const ISOTimestamp = "2006-01-02T15:04:05.000Z"

// Trend projects records onto parallel timestamp and value series for one raw
// sensor code. Records that did not report the code contribute a nil value.
func Trend(records []models.GPSRecord, code string) models.Trend {
	records = Ascending(records)

	trend := models.Trend{
		Labels: make([]string, 0, len(records)),
		Values: make([]*float64, 0, len(records)),
	}
	for i := range records {
		trend.Labels = append(trend.Labels, FormatISO(records[i].LogTimestamp))
		if v, ok := records[i].IOData.Lookup(code); ok {
			trend.Values = append(trend.Values, &v)
		} else {
			trend.Values = append(trend.Values, nil)
		}
	}
	return trend
}

// Track projects records onto their positions in capture order
func Track(records []models.GPSRecord) []models.TrackPoint {
	records = Ascending(records)

	points := make([]models.TrackPoint, 0, len(records))
	for _, r := range records {
		points = append(points, models.TrackPoint{
			ID:        r.ID,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Location:  r.Location,
			Timestamp: r.LogTimestamp,
		})
	}
	return points
}

// FormatISO renders a capture timestamp as an ISO-8601 UTC string
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOTimestamp)
}
