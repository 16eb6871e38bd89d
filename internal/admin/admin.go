// Package admin mounts the debug routes of a running session under
// /debug/ using tsweb. The routes are reachable only from loopback or over
// Tailscale.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tangible/internal/journal"
	"github.com/banshee-data/tangible/internal/publisher"
	"github.com/banshee-data/tangible/internal/registry"
	"github.com/banshee-data/tangible/internal/tracker"
	"github.com/banshee-data/tangible/internal/version"
)

// Routes holds what the debug pages report on. Nil fields are skipped.
type Routes struct {
	Mirror     *registry.Mirror
	Publishers []publisher.Publisher
	Tracker    *tracker.Tracker
	Journal    *journal.Journal
}

// Attach mounts the debug routes on mux.
func (rt *Routes) Attach(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.HandleFunc("registry", "Objects on the surface", rt.handleRegistry)
	debug.HandleFunc("publishers", "Publisher clients and counters", rt.handlePublishers)
	if rt.Tracker != nil {
		debug.HandleFunc("tracker", "Tracker cycle counters", rt.handleTracker)
	}
	if rt.Journal == nil {
		return nil
	}

	debug.HandleFunc("journal", "Recent journaled events (?since=1m)", rt.handleJournal)

	// create a tailSQL instance and point it to the journal
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+rt.Journal.Path(), rt.Journal.DB(), &tailsql.DBOptions{
		Label: "Event journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}

func (rt *Routes) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if rt.Mirror == nil {
		writeJSONError(w, http.StatusNotFound, "registry mirror not attached")
		return
	}
	writeJSON(w, http.StatusOK, rt.Mirror.Snapshot())
}

func (rt *Routes) handlePublishers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats := make([]publisher.Stats, 0, len(rt.Publishers))
	for _, p := range rt.Publishers {
		stats = append(stats, p.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Routes) handleTracker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, rt.Tracker.Stats())
}

func (rt *Routes) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	window := time.Minute
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", s))
			return
		}
		window = d
	}
	events, err := rt.Journal.Events(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Stats  journal.Stats   `json:"stats"`
		Events []journal.Entry `json:"events"`
	}{rt.Journal.Stats(), events})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// Server serves a mux until Stop.
type Server struct {
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	once     sync.Once
}

// Listen binds addr and serves h in a goroutine.
func Listen(addr string, h http.Handler) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := &Server{
		server: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: lis,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[Admin] debug routes on http://%s/debug/", lis.Addr())
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Admin] server error: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to 5 seconds for requests.
func (s *Server) Stop() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("[Admin] shutdown error: %v", err)
		}
		s.wg.Wait()
	})
}
