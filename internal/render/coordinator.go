package render

import (
	"sync/atomic"

	"routemap/internal/deconflict"
)

// Coordinator numbers render passes. Starting a pass supersedes every
// pass started before it.
type Coordinator struct {
	gen atomic.Uint64
}

// Ticket identifies one pass started through a Coordinator.
type Ticket struct {
	c   *Coordinator
	gen uint64
}

// Begin starts a new generation.
func (c *Coordinator) Begin() Ticket {
	return Ticket{c: c, gen: c.gen.Add(1)}
}

// Generation returns the number of the latest pass.
func (c *Coordinator) Generation() uint64 { return c.gen.Load() }

func (t Ticket) Generation() uint64 { return t.gen }

// Current reports whether no newer pass has been started.
func (t Ticket) Current() bool { return t.c != nil && t.c.gen.Load() == t.gen }

// Gate wraps s so that nothing reaches it once the ticket is stale. The
// wrapped sink answers deconflict.ErrSuperseded instead.
func (t Ticket) Gate(s deconflict.Sink) deconflict.Sink {
	return gated{t: t, sink: s}
}

type gated struct {
	t    Ticket
	sink deconflict.Sink
}

func (g gated) DrawLine(l deconflict.Line) error {
	if !g.t.Current() {
		return deconflict.ErrSuperseded
	}
	return g.sink.DrawLine(l)
}

func (g gated) DrawMarker(m deconflict.Marker) error {
	if !g.t.Current() {
		return deconflict.ErrSuperseded
	}
	return g.sink.DrawMarker(m)
}
