// Package server exposes the route catalog and the deconfliction engine
// over HTTP for the map front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paulmach/orb/geojson"

	"routemap/internal/deconflict"
	"routemap/internal/feature"
	"routemap/internal/geo"
	"routemap/internal/gtfs"
	"routemap/internal/render"
	"routemap/internal/viewstore"
)

const noRoutes = "No routes found."

// Routes is the catalog the server renders from.
type Routes interface {
	Lines() []gtfs.RouteLine
	LoadedAt() time.Time
}

// ViewportStore persists the shared viewport.
type ViewportStore interface {
	Save(ctx context.Context, key string, vp geo.Viewport) error
	Load(ctx context.Context, key string) (geo.Viewport, bool, error)
}

// Broadcaster starts a background re-render for a new viewport.
type Broadcaster interface {
	Submit(vp geo.Viewport) (string, error)
}

type Options struct {
	MapboxToken string
	MapboxMap   string
	CORSOrigins []string
	Pass        []deconflict.Option
	Observer    render.Observer
	Logger      *log.Logger
}

type Server struct {
	routes Routes
	store  ViewportStore
	bcast  Broadcaster
	opts   Options
	logger *log.Logger
}

// New wires the handlers. store and bcast may be nil; the viewport
// endpoints then answer 503 and PUT skips the broadcast.
func New(routes Routes, store ViewportStore, bcast Broadcaster, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{routes: routes, store: store, bcast: bcast, opts: opts, logger: logger}
}

func (s *Server) Router() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.health)
	r.Get("/config/", s.config)
	r.Route("/api", func(r chi.Router) {
		r.Get("/routes", s.listRoutes)
		r.Get("/render", s.renderGeoJSON)
		r.Get("/render.png", s.renderPNG)
		r.Get("/viewport", s.getViewport)
		r.Put("/viewport", s.putViewport)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start).Round(time.Microsecond))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	n := len(s.routes.Lines())
	body := map[string]any{
		"status":    "ok",
		"routes":    n,
		"timestamp": time.Now().UTC(),
	}
	if at := s.routes.LoadedAt(); !at.IsZero() {
		body["loadedAt"] = at.UTC()
	}
	status := http.StatusOK
	if n == 0 {
		body["status"] = "empty"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config": map[string]string{
			"mapbox_token": s.opts.MapboxToken,
			"mapbox_map":   s.opts.MapboxMap,
		},
	})
}

// listRoutes serves the catalog as property records or, with asGeoJson set
// to any value, as a FeatureCollection. Both are wrapped in {"result": ...}.
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	lines := s.routes.Lines()
	if len(lines) == 0 {
		writeError(w, http.StatusInternalServerError, noRoutes)
		return
	}
	if r.URL.Query().Get("asGeoJson") != "" {
		writeJSON(w, http.StatusOK, map[string]any{"result": feature.Routes(lines)})
		return
	}
	result := make([]geojson.Properties, len(lines))
	for i, rl := range lines {
		result[i] = feature.Properties(rl)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// pass runs a fresh deconfliction pass over the catalog for the request's
// viewport. It writes the error response itself and reports ok=false.
func (s *Server) pass(w http.ResponseWriter, r *http.Request, sink deconflict.Sink, vp geo.Viewport) (deconflict.Result, bool) {
	lines := s.routes.Lines()
	if len(lines) == 0 {
		writeError(w, http.StatusInternalServerError, noRoutes)
		return deconflict.Result{}, false
	}
	start := time.Now()
	res, err := deconflict.Render(vp, lines, sink, s.opts.Pass...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return deconflict.Result{}, false
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObservePass(res.Stats, time.Since(start))
	}
	for _, sk := range res.Skipped {
		s.logger.Debug("route skipped", "route", sk.RouteID, "err", sk.Err)
	}
	return res, true
}

func (s *Server) renderGeoJSON(w http.ResponseWriter, r *http.Request) {
	vp, ok := s.viewport(w, r)
	if !ok {
		return
	}
	res, ok := s.pass(w, r, nil, vp)
	if !ok {
		return
	}
	w.Header().Set("X-Routes-Skipped", strconv.Itoa(res.Stats.Skipped))
	writeJSON(w, http.StatusOK, feature.Rendered(res))
}

func (s *Server) renderPNG(w http.ResponseWriter, r *http.Request) {
	vp, ok := s.viewport(w, r)
	if !ok {
		return
	}
	canvas, err := render.NewCanvas(vp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer canvas.Close()
	res, ok := s.pass(w, r, canvas, vp)
	if !ok {
		return
	}
	if res.Stats.SinkErrors > 0 {
		s.logger.Warn("png render dropped output", "errors", res.Stats.SinkErrors)
	}
	w.Header().Set("Content-Type", "image/png")
	if err := canvas.WritePNG(w); err != nil {
		s.logger.Error("encode png", "err", err)
	}
}

// viewport takes the viewport from the query string when it carries a zoom
// parameter, and from the store otherwise.
func (s *Server) viewport(w http.ResponseWriter, r *http.Request) (geo.Viewport, bool) {
	q := r.URL.Query()
	if q.Get("zoom") != "" {
		vp, err := viewportFromQuery(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return geo.Viewport{}, false
		}
		return vp, true
	}
	if s.store == nil {
		writeError(w, http.StatusBadRequest, "viewport query parameters are required")
		return geo.Viewport{}, false
	}
	vp, found, err := s.store.Load(r.Context(), viewstore.DefaultKey)
	if err != nil {
		s.logger.Error("load viewport", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load viewport.")
		return geo.Viewport{}, false
	}
	if !found {
		writeError(w, http.StatusBadRequest, "No viewport stored; pass zoom, west, east, south, north, width and height.")
		return geo.Viewport{}, false
	}
	return vp, true
}

func (s *Server) getViewport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Viewport store disabled.")
		return
	}
	vp, found, err := s.store.Load(r.Context(), viewstore.DefaultKey)
	if err != nil {
		s.logger.Error("load viewport", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load viewport.")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "No viewport stored.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewport": vp})
}

func (s *Server) putViewport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Viewport store disabled.")
		return
	}
	var vp geo.Viewport
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&vp); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid viewport: "+err.Error())
		return
	}
	if err := s.store.Save(r.Context(), viewstore.DefaultKey, vp); err != nil {
		if errors.Is(err, geo.ErrInvalidViewport) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save viewport", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save viewport.")
		return
	}
	body := map[string]any{"viewport": vp}
	if s.bcast != nil {
		id, err := s.bcast.Submit(vp)
		if err != nil {
			s.logger.Error("broadcast viewport", "err", err)
		} else {
			body["passId"] = id
		}
	}
	writeJSON(w, http.StatusOK, body)
}
