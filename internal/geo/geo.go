package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrZeroTangent is returned when the two reference points of a
// perpendicular displacement coincide.
var ErrZeroTangent = errors.New("zero-length tangent")

// ErrInvalidViewport is returned by Viewport.Validate.
var ErrInvalidViewport = errors.New("invalid viewport")

const earthRadiusMeters = 6371000.0

// MaxPixels bounds both viewport dimensions.
const MaxPixels = 8192

// Point is a geographic coordinate in latitude-then-longitude order.
type Point struct {
	Lat float64
	Lon float64
}

// Finite reports whether both coordinates are real numbers.
func (p Point) Finite() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) && !math.IsInf(p.Lat, 0) && !math.IsInf(p.Lon, 0)
}

// Viewport is the visible map area as reported by the map widget.
type Viewport struct {
	Zoom     int     `json:"zoom"`
	West     float64 `json:"west"`
	East     float64 `json:"east"`
	South    float64 `json:"south"`
	North    float64 `json:"north"`
	WidthPx  int     `json:"widthPx"`
	HeightPx int     `json:"heightPx"`
}

// Validate checks the fields PixelsToCoord depends on. HeightPx may be
// left at zero by callers that never rasterize.
func (v Viewport) Validate() error {
	if v.WidthPx <= 0 || v.WidthPx > MaxPixels {
		return fmt.Errorf("%w: width %dpx outside 1..%d", ErrInvalidViewport, v.WidthPx, MaxPixels)
	}
	if v.HeightPx < 0 || v.HeightPx > MaxPixels {
		return fmt.Errorf("%w: height %dpx outside 0..%d", ErrInvalidViewport, v.HeightPx, MaxPixels)
	}
	for _, b := range []float64{v.West, v.East, v.South, v.North} {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: non-finite bound %v", ErrInvalidViewport, b)
		}
	}
	if !(v.East > v.West) || math.IsInf(v.East-v.West, 0) {
		return fmt.Errorf("%w: east %v not greater than west %v", ErrInvalidViewport, v.East, v.West)
	}
	return nil
}

// Center returns the middle of the visible bounds.
func (v Viewport) Center() Point {
	return Point{Lat: (v.South + v.North) / 2, Lon: (v.West + v.East) / 2}
}

// ScaleCorrection shrinks offsets and stroke weights when zoomed out.
func ScaleCorrection(zoom int) float64 {
	switch {
	case zoom >= 18:
		return 1
	case zoom == 17:
		return 0.9
	case zoom == 16:
		return 0.8
	case zoom == 15:
		return 0.7
	case zoom == 14:
		return 0.4
	case zoom == 13:
		return 0.3
	case zoom == 12:
		return 0.2
	default:
		return 0.1
	}
}

// PixelsToCoord converts an on-screen distance into longitude degrees at
// the current viewport.
func (v Viewport) PixelsToCoord(px float64) float64 {
	return px * ((v.East - v.West) / float64(v.WidthPx))
}

// baseOffsetPx is the minimal separation between two strands.
const baseOffsetPx = 2

// BaseOffset is the canonical separation unit for a pass.
func (v Viewport) BaseOffset() float64 {
	return ScaleCorrection(v.Zoom) * v.PixelsToCoord(baseOffsetPx)
}

// CanonicalRefs orders a tangent pair so that a line digitized in either
// direction yields the same perpendicular.
func CanonicalRefs(r1, r2 Point) (Point, Point) {
	dLat := r2.Lat - r1.Lat
	dLon := r2.Lon - r1.Lon
	c := dLat - dLon
	if c < 0 || (c == 0 && dLat < 0) {
		return r2, r1
	}
	return r1, r2
}

// Perpendicular moves p by m along the normal of ref1→ref2. The magnitude
// is sqrt(2m²) so that it matches the reach of Diagonal.
func Perpendicular(p Point, m float64, ref1, ref2 Point) (Point, error) {
	ref1, ref2 = CanonicalRefs(ref1, ref2)
	dLat := ref2.Lat - ref1.Lat
	dLon := ref2.Lon - ref1.Lon
	mag := math.Hypot(dLat, dLon)
	if mag == 0 || math.IsNaN(mag) {
		return p, ErrZeroTangent
	}
	offset := math.Copysign(math.Sqrt(2*m*m), m)
	return Point{
		Lat: p.Lat + offset*(dLon/mag),
		Lon: p.Lon - offset*(dLat/mag),
	}, nil
}

// Diagonal applies the fixed-direction shift used for irregular bus
// geometries.
func Diagonal(p Point, m float64) Point {
	return Point{Lat: p.Lat - m, Lon: p.Lon + m}
}

// Displace offsets p by m. When perpendicular is false, or the tangent is
// degenerate, the diagonal shift is used; fellBack reports the latter.
func Displace(p Point, m float64, ref1, ref2 Point, perpendicular bool) (out Point, fellBack bool) {
	if !perpendicular {
		return Diagonal(p, m), false
	}
	out, err := Perpendicular(p, m, ref1, ref2)
	if errors.Is(err, ErrZeroTangent) {
		return Diagonal(p, m), true
	}
	return out, false
}

// Haversine returns the great-circle distance in metres.
func Haversine(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// LineLength sums the haversine length of consecutive points.
func LineLength(pts []Point) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += Haversine(pts[i-1], pts[i])
	}
	return total
}
