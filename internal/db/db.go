package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"routemap/internal/feature"
	"routemap/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// RouteTableLoader reads the pre-built PostGIS route table, one
// MULTILINESTRING per route.
type RouteTableLoader struct {
	DB     *sql.DB
	Logger *log.Logger
}

func (l RouteTableLoader) LoadRoutes(ctx context.Context) ([]gtfs.RouteLine, error) {
	q := `
SELECT id::text,
       COALESCE(agency_id::text, ''),
       COALESCE(short_name, ''),
       COALESCE(long_name, ''),
       COALESCE(color, ''),
       COALESCE(rtype::text, ''),
       ST_AsGeoJSON(geometry)
FROM route
WHERE geometry IS NOT NULL
ORDER BY id`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	defer rows.Close()

	var lines []gtfs.RouteLine
	for rows.Next() {
		var (
			rl       gtfs.RouteLine
			rtype    string
			geometry string
		)
		if err := rows.Scan(&rl.RouteID, &rl.AgencyID, &rl.ShortName, &rl.LongName, &rl.Color, &rtype, &geometry); err != nil {
			return nil, err
		}
		rl.Type = routeType(rtype)
		rl.Coordinates, err = parseGeometry(geometry)
		if err != nil {
			logger(l.Logger).Warn("skipping route geometry", "route", rl.RouteID, "err", err)
			continue
		}
		lines = append(lines, rl)
	}
	return lines, rows.Err()
}

// parseGeometry decodes ST_AsGeoJSON output and keeps the line the route
// is drawn with.
func parseGeometry(s string) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	ls, err := feature.FirstLine(g.Geometry())
	if err != nil {
		return nil, err
	}
	if len(ls) == 0 {
		return nil, errors.New("empty geometry")
	}
	return ls, nil
}

// GTFSLoader builds route lines straight from an imported GTFS feed. Each
// route is drawn with the shape its trips use most often.
type GTFSLoader struct {
	DB     *sql.DB
	Logger *log.Logger
}

type routeShape struct {
	line    gtfs.RouteLine
	shapeID string
}

func (l GTFSLoader) LoadRoutes(ctx context.Context) ([]gtfs.RouteLine, error) {
	q := `
SELECT r.route_id,
       COALESCE(r.agency_id, ''),
       COALESCE(r.route_short_name, ''),
       COALESCE(r.route_long_name, ''),
       COALESCE(r.route_color, ''),
       r.route_type::text,
       s.shape_id
FROM routes r
JOIN LATERAL (
  SELECT t.shape_id
  FROM trips t
  WHERE t.route_id = r.route_id AND t.shape_id IS NOT NULL AND t.shape_id <> ''
  GROUP BY t.shape_id
  ORDER BY COUNT(*) DESC, t.shape_id
  LIMIT 1
) s ON true
ORDER BY r.route_id`
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	var routes []routeShape
	for rows.Next() {
		var (
			rs    routeShape
			rtype string
		)
		if err := rows.Scan(&rs.line.RouteID, &rs.line.AgencyID, &rs.line.ShortName, &rs.line.LongName, &rs.line.Color, &rtype, &rs.shapeID); err != nil {
			rows.Close()
			return nil, err
		}
		rs.line.Type = routeType(rtype)
		routes = append(routes, rs)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	lines := make([]gtfs.RouteLine, 0, len(routes))
	for _, rs := range routes {
		pts, err := FetchShapePoints(ctx, l.DB, rs.shapeID)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rs.line.RouteID, err)
		}
		if len(pts) == 0 {
			logger(l.Logger).Warn("route shape has no points", "route", rs.line.RouteID, "shape", rs.shapeID)
			continue
		}
		rs.line.Coordinates = gtfs.LineFromShape(pts)
		lines = append(lines, rs.line)
	}
	return lines, nil
}

func FetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	if latlonExists["shape_pt_lat"] && latlonExists["shape_pt_lon"] {
		q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		q = `SELECT ST_Y(shape_pt_loc::geometry) AS lat,
                    ST_X(shape_pt_loc::geometry) AS lon,
                    shape_pt_sequence
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// routeType accepts numeric and textual route_type columns. Unknown values
// are drawn as buses.
func routeType(s string) gtfs.RouteType {
	if t, ok := gtfs.ParseRouteType(s); ok {
		return t
	}
	return gtfs.Bus
}

func logger(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
