package gtfs

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// RouteType mirrors GTFS routes.route_type.
type RouteType int

const (
	LightRail  RouteType = 0
	Metro      RouteType = 1
	Rail       RouteType = 2
	Bus        RouteType = 3
	Ferry      RouteType = 4
	CableTram  RouteType = 5
	AerialLift RouteType = 6
	Funicular  RouteType = 7
	Trolleybus RouteType = 11
	Monorail   RouteType = 12
)

var routeTypeNames = map[RouteType]string{
	LightRail:  "light_rail",
	Metro:      "metro",
	Rail:       "rail",
	Bus:        "bus",
	Ferry:      "ferry",
	CableTram:  "cable_tram",
	AerialLift: "aerial_lift",
	Funicular:  "funicular",
	Trolleybus: "trolleybus",
	Monorail:   "monorail",
}

func (t RouteType) String() string {
	if s, ok := routeTypeNames[t]; ok {
		return s
	}
	return strconv.Itoa(int(t))
}

// ParseRouteType accepts numeric GTFS codes and the names used by String.
// Importers sometimes store the enum label instead of the code.
func ParseRouteType(s string) (RouteType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return RouteType(n), true
	}
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "tram", "streetcar":
		return LightRail, true
	case "subway":
		return Metro, true
	}
	for t, name := range routeTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// RouteLine is one renderable route geometry plus the metadata used to
// style and deconflict it. Coordinates keep the source [lon, lat] order.
type RouteLine struct {
	RouteID     string
	AgencyID    string
	ShortName   string
	LongName    string
	Type        RouteType
	Color       string // hex, with or without '#'
	Weight      float64
	Opacity     float64
	Hint        string // limited|express|owl
	Coordinates orb.LineString
}

// ShapePoint is a row of the GTFS shapes table.
type ShapePoint struct {
	Lat      float64
	Lon      float64
	Sequence int
}

// LineFromShape converts ordered shape points into a [lon, lat] line.
func LineFromShape(pts []ShapePoint) orb.LineString {
	ls := make(orb.LineString, 0, len(pts))
	for _, p := range pts {
		ls = append(ls, orb.Point{p.Lon, p.Lat})
	}
	return ls
}
