package style

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"routemap/internal/gtfs"
)

func TestDefaultRules(t *testing.T) {
	r := Default()
	tests := []struct {
		name       string
		in         gtfs.RouteLine
		correction float64
		wantColor  string
		wantWeight float64
		wantHint   string
	}{
		{"plain bus", gtfs.RouteLine{Type: gtfs.Bus, LongName: "Mission"}, 1, "#82BEE8", 2, ""},
		{"own colour", gtfs.RouteLine{Type: gtfs.Bus, Color: "a1b2c3"}, 1, "#A1B2C3", 2, ""},
		{"blank colour", gtfs.RouteLine{Type: gtfs.Bus, Color: "  "}, 1, "#82BEE8", 2, ""},
		{"light rail", gtfs.RouteLine{Type: gtfs.LightRail}, 1, "#82BEE8", 4, ""},
		{"metro scaled", gtfs.RouteLine{Type: gtfs.Metro, Color: "ff0000"}, 0.4, "#FF0000", 2.4, ""},
		{"limited", gtfs.RouteLine{Type: gtfs.Bus, LongName: "Geary LIMITED"}, 1, "#008000", 4, "limited"},
		{"limited keeps own colour", gtfs.RouteLine{Type: gtfs.Bus, LongName: "Geary Limited", Color: "#00ff00"}, 1, "#00FF00", 4, "limited"},
		{"express", gtfs.RouteLine{Type: gtfs.Bus, LongName: "Fillmore Express"}, 0.5, "#FF0000", 0.5, "express"},
		{"owl", gtfs.RouteLine{Type: gtfs.Bus, LongName: "Judah Owl"}, 1, "#0000FF", 1, "owl"},
		{"metro named express", gtfs.RouteLine{Type: gtfs.Metro, LongName: "Express"}, 1, "#82BEE8", 6, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Apply(tt.in, tt.correction)
			if got.Color != tt.wantColor {
				t.Errorf("Color = %q, want %q", got.Color, tt.wantColor)
			}
			if math.Abs(got.Weight-tt.wantWeight) > 1e-12 {
				t.Errorf("Weight = %v, want %v", got.Weight, tt.wantWeight)
			}
			if got.Hint != tt.wantHint {
				t.Errorf("Hint = %q, want %q", got.Hint, tt.wantHint)
			}
			if got.Opacity != 1 {
				t.Errorf("Opacity = %v", got.Opacity)
			}
		})
	}
}

func TestDefaultFineTypes(t *testing.T) {
	if got := Default().FineTypes(); !reflect.DeepEqual(got, []gtfs.RouteType{gtfs.Metro}) {
		t.Errorf("FineTypes = %v", got)
	}
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
defaultColor: "#333333"
opacity: 0.8
types:
  - type: metro
    weight: 8
  - type: rail
    weight: 5
names:
  - match: "rapid"
    weight: 3
    color: "#ABCDEF"
fineDeconfliction: [metro, rail]
`)
	r, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Apply(gtfs.RouteLine{Type: gtfs.Rail}, 1); got.Weight != 5 || got.Color != "#333333" || got.Opacity != 0.8 {
		t.Errorf("rail = %+v", got)
	}
	if got := r.Apply(gtfs.RouteLine{Type: gtfs.LightRail}, 1); got.Weight != 2 {
		t.Errorf("light rail should fall back to the default weight, got %v", got.Weight)
	}
	if got := r.Apply(gtfs.RouteLine{Type: gtfs.Bus, LongName: "5R Fulton Rapid"}, 1); got.Hint != "rapid" || got.Color != "#ABCDEF" {
		t.Errorf("rapid = %+v", got)
	}
	if got := r.Apply(gtfs.RouteLine{Type: gtfs.Bus, LongName: "Judah Owl"}, 1); got.Hint != "" {
		t.Errorf("owl rule should have been replaced, got hint %q", got.Hint)
	}
	if got := r.FineTypes(); !reflect.DeepEqual(got, []gtfs.RouteType{gtfs.Metro, gtfs.Rail}) {
		t.Errorf("FineTypes = %v", got)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "types: [[["},
		{"bad colour", `defaultColor: "blue"`},
		{"zero opacity", `opacity: 0`},
		{"negative type weight", "types:\n  - type: bus\n    weight: -1\n"},
		{"unknown type", "types:\n  - type: zeppelin\n    weight: 2\n"},
		{"bad regexp", "names:\n  - match: \"(\"\n"},
		{"no fine types", "fineDeconfliction: []"},
		{"unknown fine type", "fineDeconfliction: [zeppelin]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.yml")
	if err := os.WriteFile(path, []byte("defaultWeight: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.DefaultWeight != 3 {
		t.Errorf("DefaultWeight = %v", r.DefaultWeight)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
