package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"

	"routemap/internal/db"
)

type WatcherMetrics interface {
	DBSwitched(reason string)
}

// CityWatcher follows the newest GTFS import of a city. When a newer
// database appears, or the current one stops answering, it reconnects and
// points the catalog at the new database.
type CityWatcher struct {
	Catalog   *Catalog
	BaseDSN   string
	City      string
	Interval  time.Duration
	NewLoader func(*sql.DB) Loader
	Metrics   WatcherMetrics
	Logger    *log.Logger

	// Resolve opens the newest import and returns it with its name.
	// Defaults to looking it up through the postgres database of BaseDSN.
	Resolve func(ctx context.Context) (*sql.DB, string, error)
	// Ping defaults to db.Ping.
	Ping func(ctx context.Context, conn *sql.DB) error

	current *sql.DB
	name    string
}

// Connect resolves the current import, opens it and installs its loader.
func (w *CityWatcher) Connect(ctx context.Context) error {
	conn, name, err := w.latest(ctx)
	if err != nil {
		return err
	}
	w.install(conn, name)
	return nil
}

func (w *CityWatcher) latest(ctx context.Context) (*sql.DB, string, error) {
	if w.Resolve != nil {
		return w.Resolve(ctx)
	}
	return w.resolve(ctx)
}

func (w *CityWatcher) ping(ctx context.Context, conn *sql.DB) error {
	if w.Ping != nil {
		return w.Ping(ctx, conn)
	}
	return db.Ping(ctx, conn)
}

func (w *CityWatcher) resolve(ctx context.Context) (*sql.DB, string, error) {
	rootDSN, err := db.WithDBName(w.BaseDSN, "postgres")
	if err != nil {
		return nil, "", err
	}
	meta, err := db.Open(rootDSN)
	if err != nil {
		return nil, "", err
	}
	defer meta.Close()
	if err := db.Ping(ctx, meta); err != nil {
		return nil, "", err
	}
	return db.OpenLatestImport(ctx, meta, w.BaseDSN, w.City)
}

func (w *CityWatcher) install(conn *sql.DB, name string) {
	old := w.current
	w.current, w.name = conn, name
	w.Catalog.SwapLoader(w.NewLoader(conn), closer(old))
	w.logger().Info("using database", "db", name, "city", w.City)
}

func closer(conn *sql.DB) func() {
	if conn == nil {
		return nil
	}
	return func() { conn.Close() }
}

// DBName is the database currently in use.
func (w *CityWatcher) DBName() string { return w.name }

// Run checks for a newer import every Interval until ctx is done.
func (w *CityWatcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		w.Catalog.SwapLoader(nil, closer(w.current))
		w.current = nil
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.check(ctx)
	}
}

func (w *CityWatcher) check(ctx context.Context) {
	reason := ""
	if w.current == nil || w.ping(ctx, w.current) != nil {
		reason = "ping_failure"
		w.logger().Warn("db ping failed, re-resolving city database", "db", w.name)
	}
	conn, name, err := w.latest(ctx)
	if err != nil {
		w.logger().Error("resolve latest import", "city", w.City, "err", err)
		return
	}
	if reason == "" && name == w.name {
		conn.Close()
		return
	}
	if reason == "" {
		reason = "update"
		w.logger().Info("detected updated database", "city", w.City, "from", w.name, "to", name)
	}
	if w.Metrics != nil {
		w.Metrics.DBSwitched(reason)
	}
	w.install(conn, name)
	if err := w.Catalog.Refresh(ctx); err != nil {
		w.logger().Error("reload catalog after switch", "err", err)
	}
}

func (w *CityWatcher) logger() *log.Logger {
	if w.Logger == nil {
		return log.Default()
	}
	return w.Logger
}
