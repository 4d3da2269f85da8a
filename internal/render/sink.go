// Package render holds the sinks a deconfliction pass draws into and the
// machinery that re-renders the route map whenever the viewport changes.
package render

import (
	"errors"

	"routemap/internal/deconflict"
)

// Collector keeps everything it is given, in emission order.
type Collector struct {
	Lines   []deconflict.Line
	Markers []deconflict.Marker
}

func (c *Collector) DrawLine(l deconflict.Line) error {
	c.Lines = append(c.Lines, l)
	return nil
}

func (c *Collector) DrawMarker(m deconflict.Marker) error {
	c.Markers = append(c.Markers, m)
	return nil
}

// Multi forwards to every sink in turn. Errors from all members are joined,
// so a single superseded member is enough for errors.Is to report it.
type Multi []deconflict.Sink

func (m Multi) DrawLine(l deconflict.Line) error {
	var errs []error
	for _, s := range m {
		if err := s.DrawLine(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) DrawMarker(mk deconflict.Marker) error {
	var errs []error
	for _, s := range m {
		if err := s.DrawMarker(mk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
