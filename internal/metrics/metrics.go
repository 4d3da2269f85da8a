package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routemap/internal/deconflict"
)

type Collector struct {
	reg *prometheus.Registry

	RoutesLoaded     prometheus.Gauge
	CatalogRefreshes *prometheus.CounterVec // result label: ok|error

	Passes         *prometheus.CounterVec // outcome label: done|superseded
	LinesRendered  prometheus.Counter
	LinesSkipped   prometheus.Counter
	PointsResolved prometheus.Counter
	Collisions     prometheus.Counter
	Fallbacks      prometheus.Counter
	SinkErrors     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	PassDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		RoutesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_routes_loaded",
			Help: "Number of route lines in the current catalog.",
		}),
		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routemap_catalog_refreshes_total",
			Help: "Catalog reloads by result.",
		}, []string{"result"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routemap_passes_total",
			Help: "Deconfliction passes by outcome.",
		}, []string{"outcome"}),
		LinesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_lines_rendered_total",
			Help: "Total route lines displaced.",
		}),
		LinesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_lines_skipped_total",
			Help: "Total route lines rejected for invalid geometry.",
		}),
		PointsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_points_resolved_total",
			Help: "Total points given a displacement.",
		}),
		Collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_point_collisions_total",
			Help: "Points pushed aside by weight already placed at the same location.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_tangent_fallbacks_total",
			Help: "Perpendicular displacements that fell back to diagonal.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_sink_errors_total",
			Help: "Lines or markers a sink failed to accept.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routemap_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routemap_db_switches_total",
			Help: "Number of database switches.",
		}, []string{"reason"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routemap_pass_duration_seconds",
			Help:    "Duration of a deconfliction pass including delivery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routemap_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routemap_refresh_interval_seconds",
			Help: "Catalog refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.RoutesLoaded, c.CatalogRefreshes,
		c.Passes, c.LinesRendered, c.LinesSkipped, c.PointsResolved,
		c.Collisions, c.Fallbacks, c.SinkErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.DBSwitches, c.PassDuration, c.PublishDuration,
		c.RefreshInterval,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

// ObservePass records the counters of one finished pass.
func (c *Collector) ObservePass(st deconflict.Stats, d time.Duration) {
	outcome := "done"
	if st.Superseded {
		outcome = "superseded"
	}
	c.Passes.WithLabelValues(outcome).Inc()
	c.LinesRendered.Add(float64(st.Lines))
	c.LinesSkipped.Add(float64(st.Skipped))
	c.PointsResolved.Add(float64(st.Points))
	c.Collisions.Add(float64(st.Collisions))
	c.Fallbacks.Add(float64(st.Fallbacks))
	c.SinkErrors.Add(float64(st.SinkErrors))
	c.PassDuration.Observe(d.Seconds())
}

func (c *Collector) CatalogLoaded(routes int, err error) {
	if err != nil {
		c.CatalogRefreshes.WithLabelValues("error").Inc()
		return
	}
	c.CatalogRefreshes.WithLabelValues("ok").Inc()
	c.RoutesLoaded.Set(float64(routes))
}

func (c *Collector) DBSwitched(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *log.Logger) *http.Server {
	if logger == nil {
		logger = log.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
