// Package viewstore persists the last viewport reported by the map so the
// service can re-render it after a restart or a catalog reload.
package viewstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"routemap/internal/geo"
)

// DefaultKey names the shared map viewport.
const DefaultKey = "default"

//go:embed schema.sql
var schemaSQL string

// Store wraps a SQLite database with serialized writes.
type Store struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open viewport store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping viewport store: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create viewport schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Save validates vp and stores it under key, replacing any earlier value.
func (s *Store) Save(ctx context.Context, key string, vp geo.Viewport) error {
	if err := vp.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO viewport (key, zoom, west, east, south, north, width_px, height_px, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    zoom = excluded.zoom,
    west = excluded.west,
    east = excluded.east,
    south = excluded.south,
    north = excluded.north,
    width_px = excluded.width_px,
    height_px = excluded.height_px,
    updated_at = excluded.updated_at`,
		key, vp.Zoom, vp.West, vp.East, vp.South, vp.North, vp.WidthPx, vp.HeightPx,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save viewport %q: %w", key, err)
	}
	return nil
}

// Load returns the viewport stored under key. ok is false when none was saved.
func (s *Store) Load(ctx context.Context, key string) (vp geo.Viewport, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx, `
SELECT zoom, west, east, south, north, width_px, height_px
FROM viewport WHERE key = ?`, key).
		Scan(&vp.Zoom, &vp.West, &vp.East, &vp.South, &vp.North, &vp.WidthPx, &vp.HeightPx)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Viewport{}, false, nil
	}
	if err != nil {
		return geo.Viewport{}, false, fmt.Errorf("load viewport %q: %w", key, err)
	}
	return vp, true, nil
}
