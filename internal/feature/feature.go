// Package feature converts between GeoJSON feature collections and route
// lines. Input features follow the routes API: a LineString or
// MultiLineString geometry (only the first part of a multi line is used)
// with agency_id, short_name, long_name, color and rtype properties.
package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"routemap/internal/deconflict"
	"routemap/internal/geo"
	"routemap/internal/gtfs"
)

// ErrUnsupportedGeometry is reported for features that are not lines.
var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// Problem describes an input feature that could not be converted.
type Problem struct {
	Index int
	Err   error
}

// Decode reads a FeatureCollection, optionally wrapped in {"result": ...}
// as served by /api/routes?asGeoJson=true. Features that cannot become a
// route line are reported and left out.
func Decode(data []byte) ([]gtfs.RouteLine, []Problem, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Result) > 0 {
		data = envelope.Result
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode feature collection: %w", err)
	}
	var (
		lines    []gtfs.RouteLine
		problems []Problem
	)
	for i, f := range fc.Features {
		rl, err := FromFeature(f)
		if err != nil {
			problems = append(problems, Problem{Index: i, Err: err})
			continue
		}
		lines = append(lines, rl)
	}
	return lines, problems, nil
}

// FromFeature converts one GeoJSON feature.
func FromFeature(f *geojson.Feature) (gtfs.RouteLine, error) {
	if f == nil {
		return gtfs.RouteLine{}, ErrUnsupportedGeometry
	}
	ls, err := FirstLine(f.Geometry)
	if err != nil {
		return gtfs.RouteLine{}, err
	}
	props := f.Properties
	rl := gtfs.RouteLine{
		RouteID:     propString(props, "id"),
		AgencyID:    propString(props, "agency_id"),
		ShortName:   propString(props, "short_name"),
		LongName:    propString(props, "long_name"),
		Color:       propString(props, "color"),
		Type:        gtfs.Bus,
		Coordinates: ls,
	}
	if rl.RouteID == "" && f.ID != nil {
		rl.RouteID = fmt.Sprint(f.ID)
	}
	if t, ok := gtfs.ParseRouteType(propString(props, "rtype")); ok {
		rl.Type = t
	}
	if w, ok := props["weight"].(float64); ok {
		rl.Weight = w
	}
	return rl, nil
}

// FirstLine extracts the line a route is drawn with.
func FirstLine(g orb.Geometry) (orb.LineString, error) {
	switch v := g.(type) {
	case orb.LineString:
		return v, nil
	case orb.MultiLineString:
		if len(v) == 0 {
			return nil, nil
		}
		return v[0], nil
	case nil:
		return nil, fmt.Errorf("%w: missing", ErrUnsupportedGeometry)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, g.GeoJSONType())
	}
}

func propString(props geojson.Properties, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Properties builds the property set shared by route listings and
// rendered output.
func Properties(rl gtfs.RouteLine) geojson.Properties {
	pts := make([]geo.Point, len(rl.Coordinates))
	for i, c := range rl.Coordinates {
		pts[i] = geo.Point{Lat: c[1], Lon: c[0]}
	}
	return geojson.Properties{
		"id":         rl.RouteID,
		"agency_id":  rl.AgencyID,
		"short_name": rl.ShortName,
		"long_name":  rl.LongName,
		"rtype":      int(rl.Type),
		"color":      strings.TrimPrefix(rl.Color, "#"),
		"length_m":   geo.LineLength(pts),
	}
}

// Routes encodes source route lines as a FeatureCollection.
func Routes(lines []gtfs.RouteLine) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rl := range lines {
		f := geojson.NewFeature(rl.Coordinates)
		f.Properties = Properties(rl)
		fc.Append(f)
	}
	return fc
}

// Rendered encodes the output of a pass. Markers become Point features
// with "marker": true.
func Rendered(res deconflict.Result) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range res.Lines {
		f := geojson.NewFeature(l.LineString())
		f.Properties = geojson.Properties{
			"id":         l.RouteID,
			"agency_id":  l.AgencyID,
			"short_name": l.ShortName,
			"long_name":  l.LongName,
			"rtype":      int(l.Type),
			"color":      l.Color,
			"weight":     l.Weight,
			"opacity":    l.Opacity,
		}
		if l.Hint != "" {
			f.Properties["hint"] = l.Hint
		}
		fc.Append(f)
	}
	for _, m := range res.Markers {
		f := geojson.NewFeature(orb.Point{m.Point.Lon, m.Point.Lat})
		f.Properties = geojson.Properties{
			"marker": true,
			"id":     m.RouteID,
			"label":  m.Label,
			"size":   string(m.Size),
		}
		fc.Append(f)
	}
	return fc
}

// FileLoader reads route lines from a GeoJSON file on every load.
// Features that cannot be used are logged and left out.
type FileLoader struct {
	Path   string
	Logger *log.Logger
}

func (l FileLoader) LoadRoutes(_ context.Context) ([]gtfs.RouteLine, error) {
	lines, problems, err := ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Path, err)
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, p := range problems {
		logger.Warn("skipping feature", "path", l.Path, "index", p.Index, "err", p.Err)
	}
	return lines, nil
}

// ReadFile decodes a GeoJSON file and reports unusable features.
func ReadFile(path string) ([]gtfs.RouteLine, []Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Decode(data)
}
