package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vpnlink/internal/backend"
	"vpnlink/internal/connectivity"
	"vpnlink/internal/history"
	"vpnlink/internal/metrics"
	"vpnlink/internal/models"
)

const (
	defaultHistoryLimit = 200
	maxTimelinePoints   = 500
	shutdownTimeout     = 5 * time.Second
)

// Connectivity is the control surface of the connection manager.
type Connectivity interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SelectLocation(ctx context.Context, id string) (models.Location, error)
	Status() connectivity.Status
	Subscribe() (<-chan connectivity.Status, func())
}

// Locations lists the known locations.
type Locations interface {
	Locations() []models.Location
}

// Pinger exposes the ping cache and measurements.
type Pinger interface {
	LocationViews(locs []models.Location) []models.LocationView
	FastestLocation(locs []models.Location) (models.Location, bool)
	MeasureAll(ctx context.Context, locs []models.Location) []models.PingData
	Snapshot() map[string]models.PingData
}

// Deps bundles what the API serves.
type Deps struct {
	Connectivity Connectivity
	Locations    Locations
	Pinger       Pinger
	History      history.Source
	Logger       zerolog.Logger
}

// Server wraps HTTP serving of the control API.
type Server struct {
	httpServer   *http.Server
	deps         Deps
	log          zerolog.Logger
	historyLimit int
}

// New creates a configured HTTP server.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:         deps,
		log:          deps.Logger,
		historyLimit: defaultHistoryLimit,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Get("/locations", s.handleLocations)
		r.Post("/locations/{id}/select", s.handleSelectLocation)
		r.Get("/ping", s.handlePingCache)
		r.Post("/ping", s.handleMeasure)
		r.Get("/history", s.handleHistory)
		r.Get("/uptime", s.handleUptime)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/events", s.handleEvents)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control api listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// String names the server in supervisor logs.
func (s *Server) String() string { return "http" }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Connectivity.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Connectivity.Connect(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Connectivity.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Connectivity.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Connectivity.Status())
}

type locationsResponse struct {
	Locations   []models.LocationView `json:"locations"`
	SelectedID  string                `json:"selected_id,omitempty"`
	FastestID   string                `json:"fastest_id,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}

func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	locs := s.deps.Locations.Locations()
	resp := locationsResponse{
		Locations:   s.deps.Pinger.LocationViews(locs),
		SelectedID:  s.deps.Connectivity.Status().LocationID,
		GeneratedAt: time.Now().UTC(),
	}
	if fastest, ok := s.deps.Pinger.FastestLocation(locs); ok {
		resp.FastestID = fastest.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelectLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.deps.Connectivity.SelectLocation(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, backend.ErrUnknownLocation):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusOK, loc)
	}
}

func (s *Server) handlePingCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pinger.Snapshot())
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	results := s.deps.Pinger.MeasureAll(r.Context(), s.deps.Locations.Locations())
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, s.historyLimit)
	entries := s.deps.History.History()
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []models.Transition{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r)
	entries := s.deps.History.History()
	writeJSON(w, http.StatusOK, metrics.ComputeUptime(entries, start, end))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r)
	points := history.DefaultTimelinePoints
	if raw := r.URL.Query().Get("points"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= maxTimelinePoints {
			points = v
		}
	}
	entries := s.deps.History.History()
	writeJSON(w, http.StatusOK, history.BuildTimeline(entries, start, end, points))
}

// parseWindow reads ?hours= (default 24, at most 30 days) ending now.
func parseWindow(r *http.Request) (time.Time, time.Time) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			hours = v
		}
	}
	if hours > 24*30 {
		hours = 24 * 30
	}
	end := time.Now().UTC()
	return end.Add(-time.Duration(hours) * time.Hour), end
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
