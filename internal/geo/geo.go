// Package geo holds the great-circle math used for classroom geofences.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Coordinates is a WGS84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Finite reports whether both components are finite numbers.
func (c Coordinates) Finite() bool {
	return isFinite(c.Latitude) && isFinite(c.Longitude)
}

// Valid reports whether the coordinates are finite and within range.
func (c Coordinates) Valid() bool {
	return c.Finite() &&
		c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Coordinates) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// rounding can push h just outside [0,1] near antipodes and poles
	h = math.Max(0, math.Min(1, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinRadius reports whether scanner lies within radiusMeters of anchor.
// Non-finite inputs are never inside.
func WithinRadius(scanner, anchor Coordinates, radiusMeters float64) bool {
	if !scanner.Finite() || !anchor.Finite() || !isFinite(radiusMeters) {
		return false
	}
	return Distance(scanner, anchor) <= radiusMeters
}

// Offset returns the point reached by travelling meters from origin along
// the given bearing (degrees clockwise from north).
func Offset(origin Coordinates, bearingDeg, meters float64) Coordinates {
	lat1 := radians(origin.Latitude)
	lon1 := radians(origin.Longitude)
	brg := radians(bearingDeg)
	d := meters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return Coordinates{Latitude: degrees(lat2), Longitude: normalizeLon(degrees(lon2))}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func normalizeLon(lon float64) float64 {
	return math.Mod(lon+540, 360) - 180
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
