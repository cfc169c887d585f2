package analytics

import (
	"math"

	"gps-telemetry-monitor/internal/models"
)

// BaseMetrics summarizes distance, duration and speed over an ordered record
// sequence. Fewer than two records yield an all-zero summary.
func BaseMetrics(records []models.GPSRecord) models.MetricsSummary {
	if len(records) < 2 {
		return models.MetricsSummary{}
	}
	records = Ascending(records)

	var totalDistance, totalDuration float64
	maxSpeed := math.Inf(-1)
	minSpeed := math.Inf(1)

	for i := 1; i < len(records); i++ {
		prev := &records[i-1]
		curr := &records[i]

		totalDistance += Haversine(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
		totalDuration += curr.LogTimestamp.Sub(prev.LogTimestamp).Seconds()

		maxSpeed = math.Max(maxSpeed, curr.Speed)
		minSpeed = math.Min(minSpeed, curr.Speed)
	}

	var averageSpeed float64
	if totalDuration > 0 {
		averageSpeed = totalDistance / (totalDuration / 3600)
	}

	return models.MetricsSummary{
		TotalDistance: totalDistance,
		TotalDuration: totalDuration,
		AverageSpeed:  averageSpeed,
		MaxSpeed:      finiteOrZero(maxSpeed),
		MinSpeed:      finiteOrZero(minSpeed),
		MovementStats: MovementStatsOf(records),
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}
