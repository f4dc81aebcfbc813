package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/version"
)

// HTTPServer serves the JSON API for the web interface.
type HTTPServer struct {
	cfg    config.ServerConfig
	core   *Core
	auth   *CookieAuth
	srv    *http.Server
	logger *slog.Logger
}

// NewHTTPServer creates the web API server.
func NewHTTPServer(cfg config.ServerConfig, core *Core) *HTTPServer {
	s := &HTTPServer{
		cfg:    cfg,
		core:   core,
		auth:   NewCookieAuth(cfg.WebUser, cfg.WebPassword, cfg.WebLoginTimeout),
		logger: slog.Default(),
	}
	s.srv = &http.Server{
		Addr:         cfg.HTTPAddress(),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// WithLogger sets a custom logger.
func (s *HTTPServer) WithLogger(logger *slog.Logger) *HTTPServer {
	s.logger = logger
	return s
}

// Start launches the HTTP listener.
func (s *HTTPServer) Start() error {
	s.logger.Info("web server started", slog.String("address", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("web server shutdown", slog.Any("error", err))
	}
	s.logger.Info("web server stopped")
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/login", s.handleLogin)
	r.Get("/api/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		if s.cfg.RequireWebPassword {
			r.Use(s.requireAuth)
		}
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/recordings", s.handleListRecordings)
		r.Post("/api/recordings", s.handleAddRecording)
		r.Delete("/api/recordings/{id}", s.handleDeleteRecording)
		r.Get("/api/captures", s.handleListCaptures)
		r.Delete("/api/captures/{device}", s.handleCancelCapture)
		r.Get("/api/transcodes", s.handleListTranscodes)
		r.Delete("/api/transcodes/{slot}", s.handleKillTranscode)
		r.Get("/api/history", s.handleHistory)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/profiles", s.handleProfiles)
	})
	return r
}

// requireAuth gates requests on a valid session cookie.
func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || !s.auth.Verify(cookie.Value) {
			s.writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.User), []byte(s.cfg.WebUser))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.WebPassword))
	if userOK&passOK != 1 {
		s.logger.Warn("web login rejected", slog.String("user", req.User))
		s.writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.auth.Issue(),
		Path:     "/",
		MaxAge:   int(s.auth.Timeout().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, version.GetInfo())
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode := "master"
	if s.core.Slave {
		mode = "slave"
	}
	status := map[string]any{
		"version":            version.Version,
		"mode":               mode,
		"catalog_entries":    s.core.Store.Size(),
		"captures_running":   len(s.core.Captures.List()),
		"transcodes_running": len(s.core.Transcoder.Running()),
		"transcodes_waiting": len(s.core.Transcoder.Waiting()),
	}
	if avg, err := load.Avg(); err == nil {
		status["load5"] = avg.Load5
	}
	s.writeJSON(w, http.StatusOK, status)
}

type recordingJSON struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Profiles  []string  `json:"profiles,omitempty"`
	Device    int       `json:"device"`
	Repeat    string    `json:"repeat,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Count     int       `json:"count,omitempty"` // request only
}

func (s *HTTPServer) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	entries := s.core.Store.List()
	out := make([]recordingJSON, 0, len(entries))
	for _, e := range entries {
		rec := recordingJSON{
			ID:       e.ID,
			Title:    e.Title,
			Channel:  e.Channel,
			Start:    e.Start,
			End:      e.End,
			Profiles: e.Profiles,
			Device:   e.Device,
		}
		if e.Recurrence.Kind != catalog.RecurNone {
			rec.Repeat = string(e.Recurrence.Kind)
			rec.Remaining = e.Recurrence.Remaining
		}
		out = append(out, rec)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleAddRecording(w http.ResponseWriter, r *http.Request) {
	if s.core.Slave {
		s.writeError(w, http.StatusConflict, "recording is disabled in slave mode")
		return
	}
	var req recordingJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mangle := catalog.MangleKind(s.core.Storage.DefaultRepeatMangle)
	entry := &catalog.Entry{
		Title:      req.Title,
		Channel:    req.Channel,
		Start:      req.Start,
		End:        req.End,
		Profiles:   req.Profiles,
		Recurrence: catalog.Recurrence{Kind: catalog.RecurNone, Mangle: mangle},
		Basename:   catalog.Sanitize(req.Title),
	}

	if req.Repeat != "" {
		kind, err := catalog.ParseRecurrenceKind(req.Repeat)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		count := req.Count
		if count < 1 {
			count = 1
		}
		ids, conflicted, err := s.core.Store.AddRecurring(entry, kind, count)
		if err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{
			"ids":       ids,
			"conflicts": len(conflicted),
		})
		return
	}

	id, err := s.core.Store.Add(entry)
	if err != nil {
		status := http.StatusConflict
		if !errors.Is(err, catalog.ErrConflict) && !errors.Is(err, catalog.ErrFull) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *HTTPServer) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if s.core.Slave {
		s.writeError(w, http.StatusConflict, "recording is disabled in slave mode")
		return
	}
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("series") == "true" {
		n, err := s.core.Store.DeleteSeries(id)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
		return
	}
	if err := s.core.Store.Delete(id); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *HTTPServer) handleListCaptures(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Captures.List())
}

func (s *HTTPServer) handleCancelCapture(w http.ResponseWriter, r *http.Request) {
	device, err := strconv.Atoi(chi.URLParam(r, "device"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "device must be a number")
		return
	}
	if err := s.core.Captures.Cancel(device); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": device})
}

func (s *HTTPServer) handleListTranscodes(w http.ResponseWriter, _ *http.Request) {
	waiting := s.core.Transcoder.Waiting()
	waitingOut := make([]map[string]any, 0, len(waiting))
	for _, j := range waiting {
		waitingOut = append(waitingOut, map[string]any{
			"job":      j.ID,
			"title":    j.Entry.Title,
			"profile":  j.Profile.Name,
			"enqueued": j.Enqueued,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": s.core.Transcoder.Running(),
		"waiting": waitingOut,
	})
}

func (s *HTTPServer) handleKillTranscode(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "slot must be a number")
		return
	}
	if err := s.core.Transcoder.Kill(slot); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"killed": slot})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, _ *http.Request) {
	if s.core.History == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	recs, err := s.core.History.Latest(20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	all, err := s.core.Stats.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *HTTPServer) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.core.Profiles.Names())
}

func statusFor(err error) int {
	if errors.Is(err, catalog.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", slog.Any("error", err))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
