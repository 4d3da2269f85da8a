// Package deconflict fans out coincident transit lines so that routes
// sharing a street or corridor render as separate parallel strands.
//
// A Pass owns all mutable state of one render: the agency lane table and
// the point occupancy ledger. Build a new Pass whenever the viewport or
// the loaded routes change; nothing carries over between passes.
package deconflict

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"routemap/internal/geo"
	"routemap/internal/gtfs"
)

var (
	// ErrEmptyGeometry marks a route without coordinates.
	ErrEmptyGeometry = errors.New("empty geometry")
	// ErrInvalidCoordinate marks a route with a NaN or infinite coordinate.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrSuperseded is returned by a sink whose pass was replaced by a newer one.
	ErrSuperseded = errors.New("render pass superseded")
)

// SizeClass is the marker size hint given to renderers.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// Line is a displaced route ready for drawing. Points are lat/lon.
type Line struct {
	RouteID   string
	AgencyID  string
	ShortName string
	LongName  string
	Type      gtfs.RouteType
	Color     string
	Weight    float64
	Opacity   float64
	Hint      string
	Points    []geo.Point
}

// LineString converts the displaced points back to [lon, lat] order.
func (l Line) LineString() orb.LineString {
	ls := make(orb.LineString, len(l.Points))
	for i, p := range l.Points {
		ls[i] = orb.Point{p.Lon, p.Lat}
	}
	return ls
}

// Marker labels the start of a displaced line.
type Marker struct {
	RouteID string
	Point   geo.Point
	Label   string
	Size    SizeClass
}

// Sink receives the output of a pass. Implementations must not retain the
// Points slice beyond the call if they mutate it.
type Sink interface {
	DrawLine(Line) error
	DrawMarker(Marker) error
}

// Styler derives stroke colour and weight for a route at the pass's scale
// correction.
type Styler interface {
	Apply(rl gtfs.RouteLine, correction float64) gtfs.RouteLine
}

// Skip records a route that was left out of the pass.
type Skip struct {
	RouteID string
	Index   int
	Err     error
}

// Stats summarises a pass.
type Stats struct {
	Lines      int
	Skipped    int
	Points     int
	Collisions int
	Reused     int
	Fallbacks  int
	Agencies   int
	Locations  int
	SinkErrors int
	Superseded bool
}

// Result is everything a pass produced.
type Result struct {
	Lines   []Line
	Markers []Marker
	Skipped []Skip
	Stats   Stats
}

// Option configures a Pass.
type Option func(*Pass)

// WithStyler applies s to every route before it is resolved.
func WithStyler(s Styler) Option {
	return func(p *Pass) { p.styler = s }
}

// WithFineTypes replaces the set of route types that receive weight-aware
// per-point deconfliction. The default is Metro only.
func WithFineTypes(types ...gtfs.RouteType) Option {
	return func(p *Pass) {
		p.fine = make(map[gtfs.RouteType]bool, len(types))
		for _, t := range types {
			p.fine[t] = true
		}
	}
}

// Pass is one render computation.
type Pass struct {
	vp         geo.Viewport
	base       float64
	correction float64
	agencies   *AgencyAllocator
	ledger     *Ledger
	styler     Styler
	fine       map[gtfs.RouteType]bool
	stats      Stats
}

// NewPass starts a render pass for vp.
func NewPass(vp geo.Viewport, opts ...Option) (*Pass, error) {
	if err := vp.Validate(); err != nil {
		return nil, err
	}
	base := vp.BaseOffset()
	p := &Pass{
		vp:         vp,
		base:       base,
		correction: geo.ScaleCorrection(vp.Zoom),
		agencies:   NewAgencyAllocator(base),
		ledger:     NewLedger(),
		fine:       map[gtfs.RouteType]bool{gtfs.Metro: true},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pass) Viewport() geo.Viewport     { return p.vp }
func (p *Pass) BaseOffset() float64        { return p.base }
func (p *Pass) Agencies() *AgencyAllocator { return p.agencies }
func (p *Pass) Ledger() *Ledger            { return p.ledger }

// Stats returns the counters accumulated so far.
func (p *Pass) Stats() Stats {
	s := p.stats
	s.Agencies = p.agencies.Len()
	s.Locations = p.ledger.Len()
	return s
}

// Run resolves lines in the given order and emits each result to sink,
// which may be nil. Callers wanting the canonical order use SortLines or
// Render.
func (p *Pass) Run(lines []gtfs.RouteLine, sink Sink) Result {
	var res Result
	superseded := false
	for i, rl := range lines {
		line, err := p.Line(rl)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{RouteID: rl.RouteID, Index: i, Err: err})
			continue
		}
		marker := markerFor(line)
		res.Lines = append(res.Lines, line)
		res.Markers = append(res.Markers, marker)
		if sink == nil || superseded {
			continue
		}
		superseded = p.emit(sink.DrawLine(line))
		if !superseded {
			superseded = p.emit(sink.DrawMarker(marker))
		}
	}
	res.Stats = p.Stats()
	res.Stats.Superseded = superseded
	return res
}

func (p *Pass) emit(err error) (superseded bool) {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSuperseded):
		return true
	default:
		p.stats.SinkErrors++
		return false
	}
}

// Line validates, styles and displaces a single route.
func (p *Pass) Line(rl gtfs.RouteLine) (Line, error) {
	pts, err := validate(rl)
	if err != nil {
		p.stats.Skipped++
		return Line{}, fmt.Errorf("route %q: %w", rl.RouteID, err)
	}
	if p.styler != nil {
		rl = p.styler.Apply(rl, p.correction)
	}
	agencyOffset := p.agencies.Resolve(rl.AgencyID)

	out := make([]geo.Point, len(pts))
	for i := range pts {
		out[i] = p.resolvePoint(pts, i, &rl, agencyOffset)
	}
	p.stats.Lines++
	p.stats.Points += len(pts)
	return Line{
		RouteID:   rl.RouteID,
		AgencyID:  rl.AgencyID,
		ShortName: rl.ShortName,
		LongName:  rl.LongName,
		Type:      rl.Type,
		Color:     rl.Color,
		Weight:    rl.Weight,
		Opacity:   rl.Opacity,
		Hint:      rl.Hint,
		Points:    out,
	}, nil
}

// validate reverses the [lon, lat] source order and rejects geometry the
// resolver cannot handle. Nothing is written to the pass state before it
// succeeds.
func validate(rl gtfs.RouteLine) ([]geo.Point, error) {
	if len(rl.Coordinates) == 0 {
		return nil, ErrEmptyGeometry
	}
	pts := make([]geo.Point, len(rl.Coordinates))
	for i, c := range rl.Coordinates {
		pt := geo.Point{Lat: c[1], Lon: c[0]}
		if !pt.Finite() {
			return nil, fmt.Errorf("%w at index %d", ErrInvalidCoordinate, i)
		}
		pts[i] = pt
	}
	return pts, nil
}

// resolvePoint chooses the displacement of pts[i]. The agency lane shift is
// always applied; qualifying route types are then pushed clear of the
// weight already placed at the same source location, and a route passing
// the same location again reuses the point it was first drawn at.
func (p *Pass) resolvePoint(pts []geo.Point, i int, rl *gtfs.RouteLine, agencyOffset float64) geo.Point {
	pt := pts[i]
	ref1, ref2 := pt, pt
	switch {
	case i+1 < len(pts):
		ref2 = pts[i+1]
	case i > 0:
		ref1 = pts[i-1]
	}
	perpendicular := rl.Type == gtfs.Metro

	mine := p.base
	if agencyOffset < 0 {
		mine = -p.base
	}
	fine := p.fine[rl.Type]
	if fine {
		if out, ok := p.ledger.Placed(pt, rl.RouteID); ok {
			p.stats.Reused++
			return out
		}
	}
	displaced := p.displace(pt, agencyOffset, ref1, ref2, perpendicular)
	if !fine {
		return displaced
	}

	out := displaced
	existing := p.ledger.Weight(pt)
	if existing == 0 {
		p.ledger.Claim(pt, rl.RouteID, 0, rl.Weight)
	} else {
		p.stats.Collisions++
		total := mine - p.vp.PixelsToCoord(existing)
		if mine >= 0 {
			total = mine + p.vp.PixelsToCoord(existing)
		}
		p.ledger.Claim(pt, rl.RouteID, total, rl.Weight)
		out = p.displace(displaced, total, ref1, ref2, perpendicular)
	}
	p.ledger.Place(pt, rl.RouteID, out)
	return out
}

func (p *Pass) displace(pt geo.Point, m float64, ref1, ref2 geo.Point, perpendicular bool) geo.Point {
	out, fellBack := geo.Displace(pt, m, ref1, ref2, perpendicular)
	if fellBack {
		p.stats.Fallbacks++
	}
	return out
}

func markerFor(l Line) Marker {
	m := Marker{RouteID: l.RouteID, Label: l.ShortName, Size: sizeClass(l.Type)}
	if strings.TrimSpace(m.Label) == "" {
		m.Label = l.LongName
	}
	if len(l.Points) > 0 {
		m.Point = l.Points[0]
	}
	return m
}

func sizeClass(t gtfs.RouteType) SizeClass {
	switch t {
	case gtfs.Metro, gtfs.Rail, gtfs.Monorail:
		return SizeLarge
	case gtfs.LightRail, gtfs.CableTram, gtfs.Trolleybus:
		return SizeMedium
	default:
		return SizeSmall
	}
}
