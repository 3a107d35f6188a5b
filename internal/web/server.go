package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/classbook/internal/auth"
	"github.com/example/classbook/internal/db"
	"github.com/example/classbook/internal/event"
	xlog "github.com/example/classbook/internal/log"
	"github.com/example/classbook/internal/scheduler"
	"github.com/example/classbook/internal/store"
)

//go:embed templates/*.html
var fs embed.FS

// Engine is the part of the scheduler the status pages drive.
type Engine interface {
	Snapshot() scheduler.Snapshot
	Toggle(ctx context.Context, id string) (scheduler.ToggleResult, error)
}

// AttemptLister reads back the attempt log. Optional.
type AttemptLister interface {
	Recent(ctx context.Context, limit int) ([]store.AttemptRow, error)
	RunByID(ctx context.Context, runID string) (store.Run, error)
}

type Server struct {
	Auth     *auth.Store
	Engine   Engine
	Attempts AttemptLister

	Title string
	Loc   *time.Location
	Now   func() time.Time
	Log   *zerolog.Logger
}

type tmplData struct {
	Title string
	User  string
	Flash string

	Now      time.Time
	Snapshot scheduler.Snapshot
	Rows     []eventRow
	Attempts []store.AttemptRow
}

type eventRow struct {
	Index int
	event.Event
	Task   *scheduler.TaskStatus
	Status string
}

func (s *Server) Routes() http.Handler {
	if s.Log == nil {
		l := xlog.WithComponent("web")
		s.Log = &l
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/login", s.handleLoginForm)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Get("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)
		r.Get("/", s.handleHome)
		r.Get("/api/status", s.handleStatusJSON)
		r.Get("/api/runs/{id}", s.handleRunJSON)
		r.Post("/events/{id}/toggle", s.handleToggle)
	})
	return r
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UsernameFromContext(r.Context())
	snap := s.Engine.Snapshot()
	now := s.now()

	rows := make([]eventRow, 0, len(snap.Events))
	for i, ev := range snap.Events {
		row := eventRow{Index: i, Event: ev, Status: ev.Status}
		if row.Status == "" {
			row.Status = ev.ComputedStatus(now)
		}
		if t, ok := snap.Tasks[ev.ID]; ok {
			row.Task = &t
		}
		rows = append(rows, row)
	}

	var attempts []store.AttemptRow
	if s.Attempts != nil {
		var err error
		if attempts, err = s.Attempts.Recent(r.Context(), 20); err != nil {
			s.logger().Warn().Err(err).Msg("read attempt log")
		}
	}

	s.render(w, http.StatusOK, "templates/events.html", tmplData{
		Title:    s.title(),
		User:     user,
		Flash:    r.URL.Query().Get("flash"),
		Now:      now,
		Snapshot: snap,
		Rows:     rows,
		Attempts: attempts,
	})
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Engine.Snapshot()); err != nil {
		s.logger().Warn().Err(err).Msg("encode status")
	}
}

func (s *Server) handleRunJSON(w http.ResponseWriter, r *http.Request) {
	if s.Attempts == nil {
		http.Error(w, "attempt log disabled", http.StatusNotFound)
		return
	}
	run, err := s.Attempts.RunByID(r.Context(), chi.URLParam(r, "id"))
	if db.IsNotFound(err) {
		http.Error(w, "unknown or unfinished run", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger().Warn().Err(err).Msg("read run")
		http.Error(w, "attempt log unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(run); err != nil {
		s.logger().Warn().Err(err).Msg("encode run")
	}
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// the task outlives the request; the engine hangs it off its own context
	res, err := s.Engine.Toggle(r.Context(), id)
	if errors.Is(err, scheduler.ErrNotFound) {
		http.Error(w, "unknown event", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	user, _ := auth.UsernameFromContext(r.Context())
	s.logger().Info().Str("event_id", id).Str("user", user).Str("result", res.String()).Msg("manual toggle")
	http.Redirect(w, r, "/?flash="+res.String(), http.StatusSeeOther)
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "templates/login.html", tmplData{Title: "Login"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	user, err := s.Auth.Authenticate(username, r.FormValue("password"))
	if err != nil {
		s.logger().Warn().Str("user", username).Msg("login failed")
		s.render(w, http.StatusUnauthorized, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
		return
	}
	if err := s.Auth.SetSession(w, r, user); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

var funcs = template.FuncMap{
	"clock": func(t time.Time, loc *time.Location) string {
		if t.IsZero() {
			return "-"
		}
		return t.In(loc).Format("15:04")
	},
	"stamp": func(t time.Time, loc *time.Location) string {
		return t.In(loc).Format("2006-01-02 15:04:05")
	},
	"seconds": func(d time.Duration) int { return int(d / time.Second) },
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data tmplData) {
	t, err := template.New("").Funcs(funcs).Funcs(template.FuncMap{
		"loc": func() *time.Location { return s.loc() },
	}).ParseFS(fs, "templates/base.html", name)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		s.logger().Error().Err(err).Str("template", name).Msg("render")
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http")
	})
}

func (s *Server) logger() *zerolog.Logger { return s.Log }

func (s *Server) title() string {
	if s.Title == "" {
		return "classbook"
	}
	return s.Title
}

func (s *Server) loc() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Start serves h on addr until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	l := xlog.WithComponent("web")
	errc := make(chan error, 1)
	go func() {
		l.Info().Str("addr", addr).Msg("status server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
