package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	// Fully qualified to the public schema (assumes we are connected to the 'postgres' database)
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}

// OpenLatestImport resolves the newest import for city and opens it.
func OpenLatestImport(ctx context.Context, meta *sql.DB, baseDSN, city string) (*sql.DB, string, error) {
	name, err := ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return nil, "", err
	}
	dsn, err := WithDBName(baseDSN, name)
	if err != nil {
		return nil, "", fmt.Errorf("build dsn for %s: %w", name, err)
	}
	conn, err := Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", name, err)
	}
	if err := Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", name, err)
	}
	return conn, name, nil
}
