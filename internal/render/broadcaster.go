package render

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"routemap/internal/deconflict"
	"routemap/internal/geo"
	"routemap/internal/gtfs"
)

// Source supplies the route lines of the current catalog.
type Source interface {
	Lines() []gtfs.RouteLine
}

// SinkFactory opens the output of one broadcast pass.
type SinkFactory func(passID string, vp geo.Viewport) deconflict.Sink

// Finisher is implemented by sinks that want the pass summary once every
// line has been delivered.
type Finisher interface {
	Finish(deconflict.Stats) error
}

// Observer records finished passes.
type Observer interface {
	ObservePass(stats deconflict.Stats, d time.Duration)
}

// Broadcaster re-renders the catalog in the background whenever the
// viewport changes. A newer viewport supersedes the delivery of every
// pass still in flight.
type Broadcaster struct {
	source   Source
	sinks    SinkFactory
	opts     []deconflict.Option
	observer Observer
	logger   *log.Logger

	coord Coordinator
	wg    sync.WaitGroup
}

func NewBroadcaster(src Source, sinks SinkFactory, logger *log.Logger, opts ...deconflict.Option) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{source: src, sinks: sinks, opts: opts, logger: logger}
}

// SetObserver must be called before the first Submit.
func (b *Broadcaster) SetObserver(o Observer) { b.observer = o }

// Submit validates vp and starts a pass for it. It returns the pass id.
func (b *Broadcaster) Submit(vp geo.Viewport) (string, error) {
	if err := vp.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	ticket := b.coord.Begin()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(id, ticket, vp)
	}()
	return id, nil
}

func (b *Broadcaster) run(id string, ticket Ticket, vp geo.Viewport) {
	start := time.Now()
	var sink deconflict.Sink
	if b.sinks != nil {
		sink = b.sinks(id, vp)
	}
	var out deconflict.Sink
	if sink != nil {
		out = ticket.Gate(sink)
	}
	res, err := deconflict.Render(vp, b.source.Lines(), out, b.opts...)
	if err != nil {
		b.logger.Error("broadcast pass failed", "pass", id, "err", err)
		return
	}
	if !res.Stats.Superseded && !ticket.Current() {
		res.Stats.Superseded = true
	}
	if b.observer != nil {
		b.observer.ObservePass(res.Stats, time.Since(start))
	}
	if res.Stats.Superseded {
		b.logger.Debug("broadcast pass superseded", "pass", id, "generation", ticket.Generation())
		return
	}
	if f, ok := sink.(Finisher); ok {
		if err := f.Finish(res.Stats); err != nil && !errors.Is(err, deconflict.ErrSuperseded) {
			b.logger.Warn("broadcast pass summary not delivered", "pass", id, "err", err)
		}
	}
	b.logger.Info("broadcast pass done",
		"pass", id, "zoom", vp.Zoom, "lines", res.Stats.Lines,
		"skipped", res.Stats.Skipped, "collisions", res.Stats.Collisions,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// Generation returns the number of passes submitted so far.
func (b *Broadcaster) Generation() uint64 { return b.coord.Generation() }

// Wait blocks until every submitted pass has returned.
func (b *Broadcaster) Wait() { b.wg.Wait() }
