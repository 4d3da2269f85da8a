package db

import (
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"routemap/internal/gtfs"
)

func TestWithDBName(t *testing.T) {
	tests := []struct {
		dsn, name, want string
	}{
		{"postgres://u:p@db:5432/postgres?sslmode=disable", "sf_2025", "postgres://u:p@db:5432/sf_2025?sslmode=disable"},
		{"postgresql://db/postgres", "/oakland", "postgresql://db/oakland"},
		{"u@db:5432/postgres", "sf", "postgres://u@db:5432/sf"},
	}
	for _, tt := range tests {
		got, err := WithDBName(tt.dsn, tt.name)
		if err != nil {
			t.Fatalf("WithDBName(%q): %v", tt.dsn, err)
		}
		if got != tt.want {
			t.Errorf("WithDBName(%q, %q) = %q, want %q", tt.dsn, tt.name, got, tt.want)
		}
	}
	if _, err := WithDBName("", "x"); err == nil {
		t.Error("expected an error for an empty DSN")
	}
}

func TestRedact(t *testing.T) {
	got := Redact("postgres://user:secret@db:5432/sf")
	if strings.Contains(got, "secret") || !strings.Contains(got, "user") {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact(""); got != "<invalid dsn>" {
		t.Errorf("Redact(empty) = %q", got)
	}
}

func TestParseGeometry(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    orb.LineString
		wantErr bool
	}{
		{"multi line keeps first part", `{"type":"MultiLineString","coordinates":[[[-122.4,37.7],[-122.3,37.8]],[[0,0],[1,1]]]}`, orb.LineString{{-122.4, 37.7}, {-122.3, 37.8}}, false},
		{"line", `{"type":"LineString","coordinates":[[1,2],[3,4]]}`, orb.LineString{{1, 2}, {3, 4}}, false},
		{"point", `{"type":"Point","coordinates":[1,2]}`, nil, true},
		{"empty multi line", `{"type":"MultiLineString","coordinates":[]}`, nil, true},
		{"garbage", `not json`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGeometry(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouteType(t *testing.T) {
	tests := []struct {
		in   string
		want gtfs.RouteType
	}{
		{"1", gtfs.Metro},
		{"0", gtfs.LightRail},
		{"subway", gtfs.Metro},
		{"", gtfs.Bus},
		{"hovercraft", gtfs.Bus},
	}
	for _, tt := range tests {
		if got := routeType(tt.in); got != tt.want {
			t.Errorf("routeType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
