package cli

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"routemap/internal/gtfs"
)

const routesFile = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "geometry": {"type": "MultiLineString", "coordinates": [[[-122.4180, 37.7800], [-122.4080, 37.7850], [-122.3980, 37.7900]]]},
     "properties": {"id": 1, "agency_id": "MUNI", "short_name": "K", "long_name": "Ingleside", "rtype": 1}},
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.4180, 37.7800], [-122.4080, 37.7850], [-122.3980, 37.7900]]},
     "properties": {"id": 2, "agency_id": "BART", "short_name": "BART", "long_name": "Richmond - Millbrae", "rtype": 1}},
    {"type": "Feature",
     "geometry": {"type": "Point", "coordinates": [-122.41, 37.78]},
     "properties": {"id": 3}}
  ]
}`

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   log.Level
		logFunc func(*log.Logger)
		wantLog bool
	}{
		{"info at info level", log.InfoLevel, func(l *log.Logger) { l.Info("test") }, true},
		{"debug at info level", log.InfoLevel, func(l *log.Logger) { l.Debug("test") }, false},
		{"debug at debug level", log.DebugLevel, func(l *log.Logger) { l.Debug("test") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFunc(newLogger(&buf, tt.level))
			if got := buf.Len() > 0; got != tt.wantLog {
				t.Errorf("got log output = %v, want %v", got, tt.wantLog)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{" WARN ", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"", log.InfoLevel},
		{"chatty", log.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFromContext(t *testing.T) {
	if loggerFromContext(context.Background()) != log.Default() {
		t.Error("expected the default logger without one attached")
	}
	l := newLogger(&bytes.Buffer{}, log.InfoLevel)
	if loggerFromContext(withLogger(context.Background(), l)) != l {
		t.Error("attached logger not returned")
	}
}

func writeRoutes(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.geojson")
	if err := os.WriteFile(path, []byte(routesFile), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRenderCommand(t *testing.T) {
	in := writeRoutes(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out", "rendered.geojson")
	pngPath := filepath.Join(dir, "preview.png")

	var stderr bytes.Buffer
	root := newRootCmd()
	root.SetErr(&stderr)
	root.SetArgs([]string{"render", in, "-o", out, "--png", pngPath, "--zoom", "18", "--width", "320", "--height", "240"})
	if err := root.Execute(); err != nil {
		t.Fatalf("render: %v\n%s", err, stderr.String())
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 4 {
		t.Fatalf("got %d features, want 2 lines and 2 markers", len(fc.Features))
	}
	bart := fc.Features[0].Geometry.(orb.LineString)
	k := fc.Features[1].Geometry.(orb.LineString)
	if bart[0] == k[0] {
		t.Error("coincident metro lines share their first point")
	}
	if fc.Features[0].Properties["color"] != "#82BEE8" {
		t.Errorf("default style not applied: %v", fc.Features[0].Properties)
	}
	if !strings.Contains(stderr.String(), "skipping feature") {
		t.Errorf("point feature not reported:\n%s", stderr.String())
	}

	f, err := os.Open(pngPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("png bounds = %v", b)
	}
}

func TestRenderCommandToStdout(t *testing.T) {
	in := writeRoutes(t)
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"render", in, "--bounds=-122.43,37.77,-122.39,37.80"})
	if err := root.Execute(); err != nil {
		t.Fatalf("render: %v\n%s", err, stderr.String())
	}
	if _, err := geojson.UnmarshalFeatureCollection(stdout.Bytes()); err != nil {
		t.Errorf("stdout is not GeoJSON: %v", err)
	}
}

func TestRenderCommandRejectsBadBounds(t *testing.T) {
	in := writeRoutes(t)
	root := newRootCmd()
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"render", in, "--bounds=1,2,3"})
	if err := root.Execute(); err == nil {
		t.Error("expected an error")
	}
}

func TestViewportForPadsExtent(t *testing.T) {
	lines := []gtfs.RouteLine{
		{Coordinates: orb.LineString{{-122.5, 37.7}, {-122.4, 37.8}}},
		{Coordinates: orb.LineString{{-122.45, 37.75}, {-122.3, 37.76}}},
	}
	vp := viewportFor(lines, &renderOpts{zoom: 14, width: 100, height: 100})
	if !(vp.West < -122.5 && vp.East > -122.3 && vp.South < 37.7 && vp.North > 37.8) {
		t.Errorf("viewport %+v does not cover the routes", vp)
	}
	if err := vp.Validate(); err != nil {
		t.Error(err)
	}
}
