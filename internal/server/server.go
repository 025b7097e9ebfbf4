// Package server wires the deferred map page, the activation routes and the
// image proxy into one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pthm/hxdefer"
	"github.com/pthm/hxdefer/internal/config"
	"github.com/pthm/hxdefer/internal/mapdemo"
	"github.com/pthm/hxdefer/internal/metrics"
	"github.com/pthm/hxdefer/lib/imageproxy"
	"github.com/pthm/hxdefer/lib/remotepattern"
	"github.com/rs/zerolog"
)

// ErrNoSecret is returned by New when no props secret is configured.
var ErrNoSecret = errors.New("server: secret is required (set secret or HXDEFER_SECRET)")

// Server is the hxdefer HTTP application.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	table    *remotepattern.Table
	registry *hxdefer.Registry
	images   *imageproxy.Handler
	metrics  *metrics.Collector
	mapc     *hxdefer.Deferred[mapdemo.MapProps]
	router   chi.Router
}

// New builds the server from cfg. Nothing is loaded or listened on until Run.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}

	table, err := cfg.Table()
	if err != nil {
		return nil, fmt.Errorf("compile remote patterns: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		table:   table,
		metrics: metrics.New(),
	}

	s.registry = hxdefer.NewRegistry([]byte(cfg.Secret),
		hxdefer.WithLogger(logger.With().Str("subsystem", "deferred").Logger()),
		hxdefer.WithObserver(s.metrics),
	)

	imgLogger := logger.With().Str("subsystem", "images").Logger()
	s.images = imageproxy.New(table, imageproxy.Options{
		Timeout:     cfg.Images.Timeout,
		MaxBytes:    cfg.Images.MaxBytes,
		CacheMaxAge: cfg.Images.CacheMaxAge,
		Logger:      &imgLogger,
		Observer:    s.metrics,
	})

	s.mapc = mapdemo.New(mapdemo.NewLoader(cfg.Map.TileURL, cfg.Images.Path, table))
	s.registry.Add(s.mapc)

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(s.logger, s.cfg.Metrics.Path))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Get("/", s.handleIndex)
	r.Handle("/_d/*", s.registry.Handler())
	r.Handle(s.cfg.Images.Path, s.images)

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the deferred component registry.
func (s *Server) Registry() *hxdefer.Registry {
	return s.registry
}

// Table returns the compiled image remote-pattern table.
func (s *Server) Table() *remotepattern.Table {
	return s.table
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.table.Unrestricted() {
		s.logger.Warn().
			Int("patterns", s.table.Len()).
			Msg("image remote patterns admit every host over http and https; configure images.remotePatterns to restrict image sources")
	}

	if s.cfg.Preload.Enabled {
		if err := s.registry.Preload(ctx, s.cfg.Preload.Concurrency); err != nil {
			// Failed components keep serving their fallback.
			s.logger.Error().Err(err).Msg("preload failed")
		}
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("starting http server")

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	// Serve returns as soon as Shutdown closes the listener.
	serveErr := <-errCh
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	props, err := s.mapProps(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := hxdefer.Render(w, r, mapdemo.Page(s.mapc, props)); err != nil {
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("render index")
	}
}

// mapProps starts from the configured map position and applies lat, lng
// and zoom query parameters.
func (s *Server) mapProps(r *http.Request) (mapdemo.MapProps, error) {
	props := mapdemo.MapProps{
		Lat:  s.cfg.Map.Lat,
		Lng:  s.cfg.Map.Lng,
		Zoom: s.cfg.Map.Zoom,
	}
	q := r.URL.Query()
	if v := q.Get("lat"); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil || lat < -90 || lat > 90 {
			return props, fmt.Errorf("invalid lat %q", v)
		}
		props.Lat = lat
	}
	if v := q.Get("lng"); v != "" {
		lng, err := strconv.ParseFloat(v, 64)
		if err != nil || lng < -180 || lng > 180 {
			return props, fmt.Errorf("invalid lng %q", v)
		}
		props.Lng = lng
	}
	if v := q.Get("zoom"); v != "" {
		zoom, err := strconv.Atoi(v)
		if err != nil || zoom < 0 || zoom > mapdemo.MaxZoom {
			return props, fmt.Errorf("invalid zoom %q", v)
		}
		props.Zoom = zoom
	}
	return props, nil
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Images     imagesHealth      `json:"images"`
}

type imagesHealth struct {
	Patterns     int  `json:"patterns"`
	Unrestricted bool `json:"unrestricted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Components: make(map[string]string),
		Images: imagesHealth{
			Patterns:     s.table.Len(),
			Unrestricted: s.table.Unrestricted(),
		},
	}
	for _, c := range s.registry.Components() {
		resp.Components[c.Name()] = c.State().String()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// NewLoggingMiddleware logs HTTP requests. Health and metrics scrapes are
// not logged.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == metricsPath {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Bool("htmx", hxdefer.IsHTMX(r)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
