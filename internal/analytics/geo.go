// Package analytics derives trip statistics, movement segmentation, decoded
// sensor summaries and sensor trends from ordered telemetry records.
//
// Every function here is a pure transformation over an in-memory slice. None
// of them perform I/O or return errors: empty and single-record input yield
// zero-valued results.
package analytics

import "math"

// EarthRadiusKM is the mean Earth radius used for great-circle distances
const EarthRadiusKM = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := deg2rad(lat1)
	lat2Rad := deg2rad(lat2)
	deltaLat := deg2rad(lat2 - lat1)
	deltaLon := deg2rad(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

func deg2rad(deg float64) float64 {
	return deg * math.Pi / 180
}
