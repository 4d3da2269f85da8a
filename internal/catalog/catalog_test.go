package catalog

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"

	"routemap/internal/gtfs"
)

type fakeLoader struct {
	mu    sync.Mutex
	lines []gtfs.RouteLine
	err   error
	calls int
}

func (f *fakeLoader) LoadRoutes(context.Context) ([]gtfs.RouteLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]gtfs.RouteLine(nil), f.lines...), nil
}

func (f *fakeLoader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type loadRecorder struct {
	ok, failed int
	last       int
}

func (r *loadRecorder) CatalogLoaded(n int, err error) {
	if err != nil {
		r.failed++
		return
	}
	r.ok++
	r.last = n
}

func line(short, long string) gtfs.RouteLine {
	return gtfs.RouteLine{RouteID: short + long, ShortName: short, LongName: long, Coordinates: orb.LineString{{0, 0}, {1, 1}}}
}

func quiet() *log.Logger { return log.New(io.Discard) }

func TestRefreshSortsSnapshot(t *testing.T) {
	loader := &fakeLoader{lines: []gtfs.RouteLine{line("N", "Judah"), line("K", "Ingleside"), line("J", "Church"), line("K", "Bayshore")}}
	rec := &loadRecorder{}
	c := New(loader, 0, rec, quiet())
	changes := 0
	c.OnChange(func(n int) { changes = n })

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := c.Lines()
	want := []string{"JChurch", "KBayshore", "KIngleside", "NJudah"}
	for i, id := range want {
		if got[i].RouteID != id {
			t.Errorf("line %d = %q, want %q", i, got[i].RouteID, id)
		}
	}
	if c.Len() != 4 || changes != 4 || rec.ok != 1 || rec.last != 4 {
		t.Errorf("len=%d changes=%d metrics=%+v", c.Len(), changes, rec)
	}
	if c.LoadedAt().IsZero() {
		t.Error("LoadedAt not set")
	}

	got[0].RouteID = "mutated"
	if c.Lines()[0].RouteID != "JChurch" {
		t.Error("Lines must return a copy")
	}
}

func TestRefreshKeepsPreviousOnError(t *testing.T) {
	loader := &fakeLoader{lines: []gtfs.RouteLine{line("K", "Ingleside")}}
	rec := &loadRecorder{}
	c := New(loader, 0, rec, quiet())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("db down")
	c.SetLoader(&fakeLoader{err: boom})
	if err := c.Refresh(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Len() != 1 || rec.failed != 1 {
		t.Errorf("len=%d metrics=%+v", c.Len(), rec)
	}
}

func TestRefresherReloads(t *testing.T) {
	loader := &fakeLoader{lines: []gtfs.RouteLine{line("K", "Ingleside")}}
	c := New(loader, 5*time.Millisecond, nil, quiet())
	c.StartRefresher(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for loader.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if loader.count() < 2 {
		t.Fatalf("refresher ran %d times", loader.count())
	}
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestStartRefresherDisabled(t *testing.T) {
	loader := &fakeLoader{}
	c := New(loader, 0, nil, quiet())
	c.StartRefresher(context.Background())
	c.Stop()
	if loader.count() != 0 {
		t.Errorf("disabled refresher loaded %d times", loader.count())
	}
}

type blockingLoader struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingLoader) LoadRoutes(context.Context) ([]gtfs.RouteLine, error) {
	close(b.started)
	<-b.release
	return []gtfs.RouteLine{line("K", "Ingleside")}, nil
}

func TestSwapLoaderWaitsForRefresh(t *testing.T) {
	old := &blockingLoader{started: make(chan struct{}), release: make(chan struct{})}
	c := New(old, 0, nil, quiet())

	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(context.Background()) }()
	<-old.started

	retired := make(chan struct{})
	swapped := make(chan struct{})
	go func() {
		c.SwapLoader(&fakeLoader{}, func() { close(retired) })
		close(swapped)
	}()

	select {
	case <-retired:
		t.Fatal("previous loader retired while a refresh was still using it")
	case <-time.After(50 * time.Millisecond):
	}
	close(old.release)

	select {
	case <-swapped:
	case <-time.After(2 * time.Second):
		t.Fatal("SwapLoader did not return")
	}
	if err := <-refreshed; err != nil {
		t.Fatal(err)
	}
	select {
	case <-retired:
	default:
		t.Error("retire was not called")
	}
}
