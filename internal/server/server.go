// Package server exposes the hub's HTTP surface: the login endpoint that
// provisions workspaces and the catch-all that routes traffic into them.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/term-world/hub/internal/lifecycle"
	"github.com/term-world/hub/internal/proxy"
	"github.com/term-world/hub/internal/registry"
	"github.com/term-world/hub/internal/session"
)

// Server routes inbound requests to the correct workspace.
type Server struct {
	router    *mux.Router
	sessions  *session.Resolver
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	forwarder *proxy.Forwarder
}

// NewServer wires the HTTP surface together.
func NewServer(sessions *session.Resolver, reg *registry.Registry, lm *lifecycle.Manager, forwarder *proxy.Forwarder) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		sessions:  sessions,
		registry:  reg,
		lifecycle: lm,
		forwarder: forwarder,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/login", s.handleLogin).Methods("GET")
	s.router.HandleFunc("/worlds", s.handleWorlds).Methods("GET")
	s.router.PathPrefix("/").HandlerFunc(s.handleWorkspace)
	s.router.Use(s.loggingMiddleware)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleLogin establishes the user's identity and makes sure a ready
// workspace exists for them before sending them to it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user := s.sessions.Establish(w, r)
	if user == "" {
		http.Error(w, "no authenticated user", http.StatusUnauthorized)
		return
	}

	if ws, exists := s.registry.Get(user); exists && ws.State == registry.StateReady {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if _, err := s.lifecycle.Provision(r.Context(), user); err != nil {
		if errors.Is(err, lifecycle.ErrDraining) {
			http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
			return
		}
		log.Printf("[SERVER] Provisioning for '%s' failed: %v", user, err)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleWorkspace proxies everything else into the resolved user's workspace,
// splitting WebSocket upgrades off to the tunnel path.
func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	user := s.sessions.Resolve(r)
	if user == "" {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	ws, exists := s.registry.Get(user)
	if !exists || ws.State != registry.StateReady {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.forwarder.ServeWebSocket(user, ws, w, r)
		return
	}
	s.forwarder.ServeHTTP(user, ws, w, r)
}

// handleWorlds reports a JSON snapshot of all tracked workspaces to a caller
// holding a valid session.
func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Resolve(r) == "" {
		http.Error(w, "no authenticated user", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.List())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[SERVER] %s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}
