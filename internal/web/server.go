// Package web provides an HTTP status and control server for the node.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/sleepy-node/internal/device"
	"github.com/sweeney/sleepy-node/internal/status"
)

// Controller queues remote actions on the node. Implementations must not
// block; the action runs later on the node's main loop. Command returns an
// error wrapping device.ErrUnknownCommand for unsupported names.
type Controller interface {
	SetProgrammingMode(on bool)
	TriggerReset(level int)
	Command(name string) error
}

// Server serves the status page and control endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
}

// New creates a Server that reads state from the given tracker. A nil
// controller serves status only.
func New(addr string, tracker *status.Tracker, ctrl Controller) *Server {
	s := &Server{tracker: tracker, ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)

	if ctrl != nil {
		r.Post("/programming-mode", s.handleProgrammingMode)
		r.Post("/reset", s.handleReset)
		r.Post("/command/{name}", s.handleCommand)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.Error().Err(err).Msg("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleProgrammingMode sets programming mode from the "enabled" form value.
func (s *Server) handleProgrammingMode(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		http.Error(w, "enabled must be a boolean", http.StatusBadRequest)
		return
	}
	log.Info().Bool("enabled", on).Str("remote", r.RemoteAddr).Msg("http programming mode request")
	s.ctrl.SetProgrammingMode(on)
	w.WriteHeader(http.StatusAccepted)
}

// handleReset triggers a device reset. An absent level uses the node default.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	level := 0
	if v := r.FormValue("level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "level must be a positive integer", http.StatusBadRequest)
			return
		}
		level = n
	}
	log.Info().Int("level", level).Str("remote", r.RemoteAddr).Msg("http reset request")
	s.ctrl.TriggerReset(level)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctrl.Command(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, device.ErrUnknownCommand) {
			code = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("command %s: %v", name, err), code)
		return
	}
	log.Info().Str("command", name).Str("remote", r.RemoteAddr).Msg("http command")
	w.WriteHeader(http.StatusAccepted)
}
