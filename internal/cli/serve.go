package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"routemap/internal/catalog"
	"routemap/internal/config"
	"routemap/internal/db"
	"routemap/internal/deconflict"
	"routemap/internal/feature"
	"routemap/internal/geo"
	"routemap/internal/metrics"
	"routemap/internal/publisher"
	"routemap/internal/render"
	"routemap/internal/server"
	"routemap/internal/style"
	"routemap/internal/viewstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the route map API",
		Long:  `Loads route lines from PostGIS, an imported GTFS feed or a GeoJSON file (see ROUTE_SOURCE) and serves them, deconflicted per viewport, over HTTP.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := loggerFromContext(parent)
	render.UseLogger(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	passOpts, err := passOptions(cfg.StyleFile)
	if err != nil {
		return err
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RoutesRefreshInterval)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer shutdown(srv)
	}

	cat := catalog.New(nil, cfg.RoutesRefreshInterval, catalogMetrics(mcol), logger)
	watchDone, closeDB, err := connectSource(ctx, cfg, cat, mcol, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := cat.Refresh(ctx); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	cat.StartRefresher(ctx)
	defer cat.Stop()

	store, err := viewstore.Open(ctx, cfg.ViewportDB)
	if err != nil {
		return err
	}
	defer store.Close()

	var sinks render.SinkFactory
	if cfg.PublishPasses {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol), logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
		sinks = func(passID string, vp geo.Viewport) deconflict.Sink {
			return pub.PassSink(passID, vp.Zoom)
		}
	}
	bcast := render.NewBroadcaster(cat, sinks, logger, passOpts...)
	if mcol != nil {
		bcast.SetObserver(mcol)
	}
	defer bcast.Wait()

	// Re-render the shared viewport whenever the catalog changes.
	rerender := func(int) {
		vp, ok, err := store.Load(ctx, viewstore.DefaultKey)
		if err != nil || !ok {
			return
		}
		if _, err := bcast.Submit(vp); err != nil {
			logger.Warn("re-render stored viewport", "err", err)
		}
	}
	cat.OnChange(rerender)
	rerender(cat.Len())

	opts := server.Options{
		MapboxToken: cfg.MapboxToken,
		MapboxMap:   cfg.MapboxMap,
		CORSOrigins: cfg.CORSOrigins,
		Pass:        passOpts,
		Logger:      logger,
	}
	if mcol != nil {
		opts.Observer = mcol
	}
	api := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(cat, store, bcast, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "routes", cat.Len())
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return fmt.Errorf("api server: %w", err)
	}
	shutdown(api)
	cat.Stop()
	if watchDone != nil {
		<-watchDone
	}
	logger.Info("shutdown complete")
	return nil
}

// connectSource installs the catalog loader for cfg.RouteSource. With CITY
// set the newest import is followed in the background; watchDone closes
// when that watcher has stopped.
func connectSource(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, mcol *metrics.Collector, logger *log.Logger) (watchDone chan struct{}, closeDB func(), err error) {
	closeDB = func() {}
	if cfg.RouteSource == config.SourceFile {
		cat.SetLoader(feature.FileLoader{Path: cfg.RoutesFile, Logger: logger})
		logger.Info("loading routes from file", "path", cfg.RoutesFile)
		return nil, closeDB, nil
	}

	newLoader := func(conn *sql.DB) catalog.Loader {
		if cfg.RouteSource == config.SourceGTFS {
			return db.GTFSLoader{DB: conn, Logger: logger}
		}
		return db.RouteTableLoader{DB: conn, Logger: logger}
	}

	if cfg.City == "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, closeDB, fmt.Errorf("db open: %w", err)
		}
		if err := db.Ping(ctx, conn); err != nil {
			conn.Close()
			return nil, closeDB, fmt.Errorf("db ping %s: %w", db.Redact(cfg.DatabaseURL), err)
		}
		cat.SetLoader(newLoader(conn))
		logger.Info("using database", "dsn", db.Redact(cfg.DatabaseURL), "source", cfg.RouteSource)
		return nil, func() { conn.Close() }, nil
	}

	w := &catalog.CityWatcher{
		Catalog:   cat,
		BaseDSN:   cfg.DatabaseURL,
		City:      cfg.City,
		Interval:  cfg.DBWatchInterval,
		NewLoader: newLoader,
		Logger:    logger,
	}
	if mcol != nil {
		w.Metrics = mcol
	}
	if err := w.Connect(ctx); err != nil {
		return nil, closeDB, fmt.Errorf("resolve latest import for city %q: %w", cfg.City, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done, closeDB, nil
}

func passOptions(styleFile string) ([]deconflict.Option, error) {
	rules := style.Default()
	if styleFile != "" {
		var err error
		if rules, err = style.Load(styleFile); err != nil {
			return nil, fmt.Errorf("style %s: %w", styleFile, err)
		}
	}
	return []deconflict.Option{
		deconflict.WithStyler(rules),
		deconflict.WithFineTypes(rules.FineTypes()...),
	}, nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// catalogMetrics and publisherMetrics keep a nil collector from turning
// into a non-nil interface.
func catalogMetrics(c *metrics.Collector) catalog.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
