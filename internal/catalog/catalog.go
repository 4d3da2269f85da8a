// Package catalog keeps the set of route lines the service renders and
// reloads it from its source in the background.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"routemap/internal/deconflict"
	"routemap/internal/gtfs"
)

// Loader produces route lines in [lon, lat] order.
type Loader interface {
	LoadRoutes(ctx context.Context) ([]gtfs.RouteLine, error)
}

// ErrNoLoader is returned by Refresh before a loader is installed.
var ErrNoLoader = errors.New("no route source configured")

type Metrics interface {
	CatalogLoaded(routes int, err error)
}

type Catalog struct {
	refreshInterval time.Duration
	metrics         Metrics
	logger          *log.Logger

	// loadMu is held for the whole of a load so that a replaced loader
	// can be released once nothing reads through it.
	loadMu sync.Mutex

	mu       sync.RWMutex
	loader   Loader
	lines    []gtfs.RouteLine
	loadedAt time.Time
	onChange []func(n int)

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func New(loader Loader, refreshInterval time.Duration, m Metrics, logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.Default()
	}
	return &Catalog{loader: loader, refreshInterval: refreshInterval, metrics: m, logger: logger}
}

// OnChange registers fn to run after every successful reload.
func (c *Catalog) OnChange(fn func(n int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Refresh reloads the catalog. On failure the previous lines stay in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.loadMu.Lock()
	c.mu.RLock()
	loader := c.loader
	c.mu.RUnlock()
	if loader == nil {
		c.loadMu.Unlock()
		return ErrNoLoader
	}

	start := time.Now()
	lines, err := loader.LoadRoutes(ctx)
	if c.metrics != nil {
		c.metrics.CatalogLoaded(len(lines), err)
	}
	if err != nil {
		c.loadMu.Unlock()
		return err
	}
	deconflict.SortLines(lines)

	c.mu.Lock()
	c.lines = lines
	c.loadedAt = time.Now()
	hooks := append([]func(int){}, c.onChange...)
	c.mu.Unlock()
	c.loadMu.Unlock()

	c.logger.Info("catalog loaded", "routes", len(lines), "elapsed", time.Since(start).Round(time.Millisecond))
	for _, fn := range hooks {
		fn(len(lines))
	}
	return nil
}

// Lines returns the current snapshot, sorted by short name then long name.
// The slice is a copy; the coordinates are shared and must not be modified.
func (c *Catalog) Lines() []gtfs.RouteLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]gtfs.RouteLine(nil), c.lines...)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lines)
}

func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// SetLoader swaps the source used by later refreshes.
func (c *Catalog) SetLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = l
}

// SwapLoader installs l and then calls retire, if set, once no refresh is
// reading through the previous loader.
func (c *Catalog) SwapLoader(l Loader, retire func()) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	c.SetLoader(l)
	if retire != nil {
		retire()
	}
}

// StartRefresher launches a background loop that reloads the catalog every
// refresh interval.
func (c *Catalog) StartRefresher(parent context.Context) {
	if c.refreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.refreshCancel = cancel
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("refresh catalog", "err", err)
				}
			}
		}
	}()
}

func (c *Catalog) Stop() {
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	c.refreshWG.Wait()
}
