package analytics

import (
	"gps-telemetry-monitor/internal/models"
)

// GNSS status codes tracked by the fix counter
var gnssStatusCodes = [...]int{0, 1, 2, 3}

// GnssStatusCounts tallies a device's records by raw GNSS status code. Only the
// codes 0-3 are counted; every one of them is present in the result.
func GnssStatusCounts(records []models.GPSRecord) models.GnssStatusCounts {
	counts := make(models.GnssStatusCounts, len(gnssStatusCodes))
	for _, code := range gnssStatusCodes {
		counts[code] = 0
	}

	for i := range records {
		v, ok := records[i].IOData.Lookup(CodeGNSSStatus)
		if !ok || v != float64(int(v)) {
			continue
		}
		if _, tracked := counts[int(v)]; tracked {
			counts[int(v)]++
		}
	}
	return counts
}
