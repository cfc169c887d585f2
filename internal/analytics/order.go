package analytics

import (
	"sort"

	"gps-telemetry-monitor/internal/models"
)

// Ascending returns records ordered by capture timestamp. Already ordered input
// is returned as is; otherwise a stably sorted copy is returned and the caller's
// slice is left untouched.
func Ascending(records []models.GPSRecord) []models.GPSRecord {
	if IsAscending(records) {
		return records
	}
	sorted := make([]models.GPSRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LogTimestamp.Before(sorted[j].LogTimestamp)
	})
	return sorted
}

// IsAscending reports whether records are non-decreasing by capture timestamp
func IsAscending(records []models.GPSRecord) bool {
	for i := 1; i < len(records); i++ {
		if records[i].LogTimestamp.Before(records[i-1].LogTimestamp) {
			return false
		}
	}
	return true
}
