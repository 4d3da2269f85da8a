package server

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"routemap/internal/geo"
)

// viewportFromQuery reads zoom, west, east, south, north, width and height.
// South, north and height are optional for GeoJSON output.
func viewportFromQuery(q url.Values) (geo.Viewport, error) {
	var (
		vp  geo.Viewport
		err error
	)
	if vp.Zoom, err = intParam(q, "zoom", true); err != nil {
		return vp, err
	}
	if vp.West, err = floatParam(q, "west", true); err != nil {
		return vp, err
	}
	if vp.East, err = floatParam(q, "east", true); err != nil {
		return vp, err
	}
	if vp.South, err = floatParam(q, "south", false); err != nil {
		return vp, err
	}
	if vp.North, err = floatParam(q, "north", false); err != nil {
		return vp, err
	}
	if vp.WidthPx, err = intParam(q, "width", true); err != nil {
		return vp, err
	}
	if vp.HeightPx, err = intParam(q, "height", false); err != nil {
		return vp, err
	}
	return vp, vp.Validate()
}

func intParam(q url.Values, key string, required bool) (int, error) {
	v := q.Get(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("missing %s", key)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func floatParam(q url.Values, key string, required bool) (float64, error) {
	v := q.Get(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("missing %s", key)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}
