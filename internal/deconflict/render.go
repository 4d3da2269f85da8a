package deconflict

import (
	"sort"

	"routemap/internal/geo"
	"routemap/internal/gtfs"
)

// SortLines orders routes by short name, then long name. Processing order
// decides which route claims a shared point first, so it must be stable
// across runs with identical input.
func SortLines(lines []gtfs.RouteLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.ShortName != b.ShortName {
			return a.ShortName < b.ShortName
		}
		return a.LongName < b.LongName
	})
}

// Render sorts a copy of lines, runs a fresh pass over them and emits the
// output to sink.
func Render(vp geo.Viewport, lines []gtfs.RouteLine, sink Sink, opts ...Option) (Result, error) {
	p, err := NewPass(vp, opts...)
	if err != nil {
		return Result{}, err
	}
	sorted := append([]gtfs.RouteLine(nil), lines...)
	SortLines(sorted)
	return p.Run(sorted, sink), nil
}
