// Package geo holds coordinate types and great-circle math shared by the
// search and ingestion paths.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMiles is the mean Earth radius used by Distance.
const EarthRadiusMiles = 3958.8

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether p is a finite coordinate inside the WGS84 ranges.
// Distance assumes its inputs have passed this check.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Distance returns the haversine distance between a and b in miles.
//
// The operands are put in a canonical order before any arithmetic so that
// Distance(a, b) and Distance(b, a) evaluate the exact same expression.
func Distance(a, b Point) float64 {
	if less(b, a) {
		a, b = b, a
	}
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}

	d := 2 * EarthRadiusMiles * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	if d < 0 {
		return 0
	}
	return d
}

// Box is a latitude/longitude rectangle used as a cheap store-side prefilter.
type Box struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// BoundingBox returns a rectangle that contains every point within
// radiusMiles of center. It is deliberately generous; callers still have to
// check Distance for the exact radius.
func BoundingBox(center Point, radiusMiles float64) Box {
	if radiusMiles < 0 {
		radiusMiles = 0
	}
	dLat := radiusMiles / EarthRadiusMiles * 180 / math.Pi
	box := Box{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLon: -180,
		MaxLon: 180,
	}

	// Near the poles the longitude span degenerates; keep the full range.
	cosLat := math.Cos(toRadians(math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))))
	if cosLat > 1e-9 {
		dLon := dLat / cosLat
		if dLon < 180 {
			box.MinLon = center.Lon - dLon
			box.MaxLon = center.Lon + dLon
		}
	}
	return box
}

// Contains reports whether p falls inside the box. Boxes that cross the
// antimeridian are handled by wrapping the longitude bounds.
func (b Box) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.MinLon < -180 {
		return p.Lon >= b.MinLon+360 || p.Lon <= b.MaxLon
	}
	if b.MaxLon > 180 {
		return p.Lon >= b.MinLon || p.Lon <= b.MaxLon-360
	}
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// WrapsAntimeridian reports whether the box spans the ±180° meridian.
func (b Box) WrapsAntimeridian() bool {
	return b.MinLon < -180 || b.MaxLon > 180
}

func less(a, b Point) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
