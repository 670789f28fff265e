// Package geo provides great-circle distance helpers over the fixed-point
// coordinate representation used on-ledger.
package geo

import (
	"math"

	"github.com/aidchain/orchestrator/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine distance in metres between two points
// given in decimal degrees.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// FixedDistanceMeters returns the haversine distance in metres between two
// points given as fixed-point (degrees × 10^7) coordinates.
func FixedDistanceMeters(lat1, lng1, lat2, lng2 int64) float64 {
	return DistanceMeters(
		models.FixedToDegrees(lat1), models.FixedToDegrees(lng1),
		models.FixedToDegrees(lat2), models.FixedToDegrees(lng2),
	)
}

// FixedDistanceKm returns the haversine distance in kilometres between two
// fixed-point coordinates.
func FixedDistanceKm(lat1, lng1, lat2, lng2 int64) float64 {
	return FixedDistanceMeters(lat1, lng1, lat2, lng2) / 1000
}
