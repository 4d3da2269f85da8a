package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Route sources.
const (
	SourceRoutes = "routes" // PostGIS route table
	SourceGTFS   = "gtfs"   // imported GTFS routes/trips/shapes
	SourceFile   = "file"   // GeoJSON file
)

type Config struct {
	DatabaseURL           string
	City                  string
	RouteSource           string
	RoutesFile            string
	RoutesRefreshInterval time.Duration
	DBWatchInterval       time.Duration

	HTTPAddr    string
	CORSOrigins []string
	MetricsAddr string

	NATSURL           string
	NATSSubjectPrefix string
	PublishPasses     bool
	LogNATSSubjects   bool

	StyleFile  string
	ViewportDB string

	MapboxToken string
	MapboxMap   string

	LogLevel string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.RouteSource = strings.ToLower(getenvDefault("ROUTE_SOURCE", SourceRoutes))
	switch cfg.RouteSource {
	case SourceRoutes, SourceGTFS:
	case SourceFile:
		cfg.RoutesFile = os.Getenv("ROUTES_FILE")
		if cfg.RoutesFile == "" {
			return nil, errors.New("ROUTES_FILE must be set when ROUTE_SOURCE=file")
		}
	default:
		return nil, fmt.Errorf("invalid ROUTE_SOURCE: %q (want routes, gtfs or file)", cfg.RouteSource)
	}

	// City name for dynamic DB resolution
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	if cfg.RouteSource != SourceFile {
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	var err error
	if cfg.RoutesRefreshInterval, err = secondsEnv("ROUTES_REFRESH_INTERVAL_SEC", 300, true); err != nil {
		return nil, err
	}
	if cfg.DBWatchInterval, err = secondsEnv("DB_WATCH_INTERVAL_SEC", 1800, false); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "routemap")
	cfg.PublishPasses = boolEnv("PUBLISH_PASSES")
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS")

	cfg.StyleFile = os.Getenv("STYLE_FILE")
	cfg.ViewportDB = getenvDefault("VIEWPORT_DB", "routemap.db")

	cfg.MapboxToken = os.Getenv("MAPBOX_ACCESS_TOKEN")
	cfg.MapboxMap = os.Getenv("MAPBOX_MAP")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

// secondsEnv reads a duration in whole seconds. Zero disables the feature
// when allowZero is set.
func secondsEnv(key string, def int, allowZero bool) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || sec < 0 || (sec == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
