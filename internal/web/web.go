package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"esfcal/internal/battery"
	"esfcal/internal/config"
	"esfcal/internal/ics"
	appLog "esfcal/internal/log"
	"esfcal/internal/model"
	"esfcal/internal/syncer"
)

// Calendar is the read side of the local cache.
type Calendar interface {
	All(ctx context.Context) ([]model.ScheduleEntry, error)
	Between(ctx context.Context, start, end time.Time) ([]model.ScheduleEntry, error)
	On(ctx context.Context, day time.Time) ([]model.ScheduleEntry, error)
	Upcoming(ctx context.Context, now time.Time, limit int) ([]model.ScheduleEntry, error)
	Absences(ctx context.Context) ([]model.ScheduleEntry, error)
	Count(ctx context.Context) (int, error)
	Watch(ctx context.Context) <-chan []model.ScheduleEntry
}

// Controller is the scheduler surface exposed to UI collaborators.
type Controller interface {
	SyncNow(ctx context.Context) model.SyncOutcome
	Logout(ctx context.Context) error
	Last() (model.SyncOutcome, bool)
	NextRun() time.Time
	NextEligible() time.Time
}

// EngineState reports the sync engine's current step.
type EngineState interface {
	State() syncer.State
}

// Policies reads and replaces the persisted sync policy.
type Policies interface {
	Get() model.SyncPolicy
	Update(p model.SyncPolicy) error
}

// SessionChecker reports whether a login session is stored.
type SessionChecker interface {
	Exists(ctx context.Context) bool
}

// Deps are the collaborators the API serves from. Battery may be nil.
type Deps struct {
	Calendar Calendar
	Runner   Controller
	Engine   EngineState
	Policies Policies
	Sessions SessionChecker
	Battery  battery.Reader
	Exporter *ics.Exporter
	Now      func() time.Time
}

// Server provides the JSON API for calendar views, sync control and the
// policy screen, plus the ICS feed.
type Server struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	mux  *http.ServeMux

	// Battery status does not need sub-second precision; reading it on
	// every request would hit I2C.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

const batteryCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  resolveLocationOrLocal(cfg.Timezone),
		mux:  http.NewServeMux(),
	}
	if s.deps.Exporter == nil {
		s.deps.Exporter = ics.NewExporter("", s.loc)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully. Open event streams end with ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/upcoming", s.handleUpcoming)
	s.mux.HandleFunc("GET /api/events/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/absences", s.handleAbsences)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("POST /api/logout", s.handleLogout)

	s.mux.HandleFunc("GET /api/policy", s.handleGetPolicy)
	s.mux.HandleFunc("PUT /api/policy", s.handlePutPolicy)

	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleBattery exposes the current charge for the policy screen.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	if s.deps.Battery == nil {
		writeError(w, http.StatusServiceUnavailable, "battery reader unavailable")
		return
	}

	status, err := s.deps.Battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusServiceUnavailable, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: status, updatedAt: now}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

// handleICS serves the calendar stream as text/calendar.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Calendar.All(r.Context())
	if err != nil {
		appLog.Error("ics export: load entries failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="esf.ics"`)
	if err := s.deps.Exporter.Write(w, entries, s.deps.Now()); err != nil {
		appLog.Error("ics export: write failed", err)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
