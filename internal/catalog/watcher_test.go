package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"routemap/internal/db"
	"routemap/internal/gtfs"
)

type switchRecorder struct{ reasons []string }

func (r *switchRecorder) DBSwitched(reason string) { r.reasons = append(r.reasons, reason) }

// openUnused returns a handle that is never connected; sql.Open is lazy.
func openUnused(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open("postgres://routemap@127.0.0.1:1/routemap?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func isClosed(conn *sql.DB) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := conn.PingContext(ctx)
	return err != nil && strings.Contains(err.Error(), "database is closed")
}

type resolution struct {
	conn *sql.DB
	name string
	err  error
}

type watcherFixture struct {
	w       *CityWatcher
	cat     *Catalog
	rec     *switchRecorder
	next    resolution
	pingErr error
	loaders map[*sql.DB]*fakeLoader
}

func newWatcherFixture(t *testing.T, first *sql.DB, name string) *watcherFixture {
	t.Helper()
	f := &watcherFixture{
		cat:     New(nil, 0, nil, quiet()),
		rec:     &switchRecorder{},
		loaders: map[*sql.DB]*fakeLoader{},
	}
	f.next = resolution{conn: first, name: name}
	f.w = &CityWatcher{
		Catalog: f.cat,
		City:    "sf",
		NewLoader: func(conn *sql.DB) Loader {
			l := &fakeLoader{lines: []gtfs.RouteLine{line("K", "Ingleside")}}
			f.loaders[conn] = l
			return l
		},
		Metrics: f.rec,
		Logger:  quiet(),
		Resolve: func(context.Context) (*sql.DB, string, error) {
			return f.next.conn, f.next.name, f.next.err
		},
		Ping: func(context.Context, *sql.DB) error { return f.pingErr },
	}
	if err := f.w.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestWatcherKeepsCurrentDatabase(t *testing.T) {
	first, again := openUnused(t), openUnused(t)
	f := newWatcherFixture(t, first, "gtfs_sf_1")
	f.next = resolution{conn: again, name: "gtfs_sf_1"}

	f.w.check(context.Background())

	if len(f.rec.reasons) != 0 {
		t.Errorf("unexpected switches: %v", f.rec.reasons)
	}
	if f.w.DBName() != "gtfs_sf_1" || f.w.current != first {
		t.Errorf("current database changed to %q", f.w.DBName())
	}
	if !isClosed(again) {
		t.Error("the duplicate handle was left open")
	}
	if isClosed(first) {
		t.Error("the database in use was closed")
	}
	if n := f.loaders[first].count(); n != 0 {
		t.Errorf("catalog reloaded %d times without a switch", n)
	}
}

func TestWatcherSwitchesToNewerImport(t *testing.T) {
	first, newer := openUnused(t), openUnused(t)
	f := newWatcherFixture(t, first, "gtfs_sf_1")
	f.next = resolution{conn: newer, name: "gtfs_sf_2"}

	f.w.check(context.Background())

	if len(f.rec.reasons) != 1 || f.rec.reasons[0] != "update" {
		t.Fatalf("switches = %v", f.rec.reasons)
	}
	if f.w.DBName() != "gtfs_sf_2" {
		t.Errorf("DBName = %q", f.w.DBName())
	}
	if !isClosed(first) {
		t.Error("the replaced database was left open")
	}
	if n := f.loaders[newer].count(); n != 1 {
		t.Errorf("new loader used %d times, want 1", n)
	}
	if f.cat.Len() != 1 {
		t.Errorf("catalog len = %d", f.cat.Len())
	}
}

func TestWatcherReconnectsAfterPingFailure(t *testing.T) {
	first, reopened := openUnused(t), openUnused(t)
	f := newWatcherFixture(t, first, "gtfs_sf_1")
	f.pingErr = errors.New("connection reset")
	f.next = resolution{conn: reopened, name: "gtfs_sf_1"}

	f.w.check(context.Background())

	if len(f.rec.reasons) != 1 || f.rec.reasons[0] != "ping_failure" {
		t.Fatalf("switches = %v", f.rec.reasons)
	}
	if f.w.current != reopened {
		t.Error("watcher kept the unreachable handle")
	}
	if !isClosed(first) {
		t.Error("the unreachable handle was left open")
	}
}

func TestWatcherResolveErrorKeepsState(t *testing.T) {
	first := openUnused(t)
	f := newWatcherFixture(t, first, "gtfs_sf_1")
	f.pingErr = errors.New("connection reset")
	f.next = resolution{err: errors.New("meta database down")}

	f.w.check(context.Background())

	if len(f.rec.reasons) != 0 {
		t.Errorf("unexpected switches: %v", f.rec.reasons)
	}
	if f.w.current != first || f.w.DBName() != "gtfs_sf_1" {
		t.Error("state changed after a failed resolve")
	}
}

func TestRunReleasesDatabaseOnExit(t *testing.T) {
	first := openUnused(t)
	f := newWatcherFixture(t, first, "gtfs_sf_1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.w.Run(ctx)
	if !isClosed(first) {
		t.Error("database left open after Run returned")
	}
	if err := f.cat.Refresh(context.Background()); !errors.Is(err, ErrNoLoader) {
		t.Errorf("Refresh after Run = %v, want ErrNoLoader", err)
	}
}
