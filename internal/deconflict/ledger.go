package deconflict

import (
	"math"

	"routemap/internal/geo"
)

// pointKey identifies a location by the exact bit pattern of its
// coordinates. Two points share a key only if they are float-identical,
// which is what independently digitized coincident geometries produce.
type pointKey struct {
	lat, lon uint64
}

func keyOf(p geo.Point) pointKey {
	return pointKey{lat: coordBits(p.Lat), lon: coordBits(p.Lon)}
}

// coordBits folds -0 into +0 so that equal values always share a key.
func coordBits(v float64) uint64 {
	if v == 0 {
		return 0
	}
	return math.Float64bits(v)
}

type occupancy struct {
	totalWeight  float64
	routeOffsets map[string]float64
	placed       map[string]geo.Point
}

// Ledger records how much stroke width has already been placed at each
// source location and which offset each route chose there.
type Ledger struct {
	cells map[pointKey]*occupancy
}

func NewLedger() *Ledger {
	return &Ledger{cells: make(map[pointKey]*occupancy)}
}

// Weight is the accumulated thickness at p.
func (l *Ledger) Weight(p geo.Point) float64 {
	if c, ok := l.cells[keyOf(p)]; ok {
		return c.totalWeight
	}
	return 0
}

// RouteOffset returns the offset routeID chose the first time it touched p.
func (l *Ledger) RouteOffset(p geo.Point, routeID string) (float64, bool) {
	c, ok := l.cells[keyOf(p)]
	if !ok {
		return 0, false
	}
	off, ok := c.routeOffsets[routeID]
	return off, ok
}

// Claim records routeID's offset at p and adds its weight.
func (l *Ledger) Claim(p geo.Point, routeID string, offset, weight float64) {
	k := keyOf(p)
	c, ok := l.cells[k]
	if !ok {
		c = &occupancy{routeOffsets: make(map[string]float64, 1)}
		l.cells[k] = c
	}
	c.routeOffsets[routeID] = offset
	c.totalWeight += weight
}

// Place records where routeID was drawn at p. A route that returns to p
// is drawn at the same spot whatever its direction of travel there.
func (l *Ledger) Place(p geo.Point, routeID string, out geo.Point) {
	k := keyOf(p)
	c, ok := l.cells[k]
	if !ok {
		c = &occupancy{routeOffsets: make(map[string]float64, 1)}
		l.cells[k] = c
	}
	if c.placed == nil {
		c.placed = make(map[string]geo.Point, 1)
	}
	c.placed[routeID] = out
}

// Placed returns the point recorded by Place.
func (l *Ledger) Placed(p geo.Point, routeID string) (geo.Point, bool) {
	c, ok := l.cells[keyOf(p)]
	if !ok {
		return geo.Point{}, false
	}
	out, ok := c.placed[routeID]
	return out, ok
}

// Len is the number of distinct locations recorded.
func (l *Ledger) Len() int { return len(l.cells) }
