// Package server exposes an in-memory store over the same REST and websocket surface the
// console talks to, so the console can be run and tested end to end without the real API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/types"
)

// Server serves a MemoryStore over HTTP
type Server struct {
	store  *api.MemoryStore
	hub    *Hub
	logger *zap.Logger

	unsubscribe func()

	httpServer *http.Server
	listener   net.Listener
	running    bool
	mu         sync.RWMutex
}

// New creates a server for store. Status changes made on the store are broadcast to
// every connected stream client.
func New(store *api.MemoryStore, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		hub:    NewHub(logger.Named("hub")),
		logger: logger,
	}
	s.unsubscribe = store.Subscribe(s.hub.Broadcast)
	return s
}

// Hub returns the stream hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/auth/me", s.handleCurrentUser)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("GET /api/servers/stream", s.handleStream)
	mux.HandleFunc("GET /api/servers/{id}", s.handleGetServer)
	mux.HandleFunc("POST /api/servers/{id}/connect", s.handleConnect)

	mux.HandleFunc("GET /api/connections/current", s.handleCurrentConnection)
	mux.HandleFunc("POST /api/connections/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/connections/history", s.handleHistory)

	mux.HandleFunc("GET /api/admin/stats", s.handleAdminStats)
	mux.HandleFunc("GET /api/admin/users", s.handleListUsers)
	mux.HandleFunc("PUT /api/admin/users/{id}/role", s.handleSetRole)
	mux.HandleFunc("POST /api/admin/servers", s.handleCreateServer)
	mux.HandleFunc("PUT /api/admin/servers/{id}", s.handleUpdateServer)
	mux.HandleFunc("DELETE /api/admin/servers/{id}", s.handleDeleteServer)

	return s.loggingHandler(mux)
}

// Start listens on addr and serves until ctx is cancelled or Shutdown is called
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server is already running")
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.running = true
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Shutdown after cancel failed", zap.Error(err))
		}
	}()

	s.logger.Info("Demo API listening", zap.String("address", ln.Addr().String()))
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server error", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Addr returns the bound listen address once Start has been called
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning reports whether the HTTP server is serving
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Shutdown stops the hub and gracefully shuts the HTTP server down
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.unsubscribe()
	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Failed to gracefully shutdown HTTP server, forcing close", zap.Error(err))
		return s.httpServer.Close()
	}
	return nil
}

// backendFor resolves the bearer token to the acting user's view of the store.
// Unknown or missing tokens yield a backend that fails every call as Unauthenticated.
func (s *Server) backendFor(r *http.Request) *api.MemoryBackend {
	userID, _ := s.store.UserForToken(bearerToken(r))
	return s.store.As(userID)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError renders err as {"detail": ...} with the status its kind maps to
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var detail string
	var e *types.Error
	if errors.As(err, &e) {
		detail = e.Message
	} else {
		detail = err.Error()
	}
	s.writeJSON(w, statusFor(types.KindOf(err)), map[string]string{"detail": detail})
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindUnauthenticated:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindAlreadyConnectedElsewhere:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// loggingHandler logs every request with its status and timing
func (s *Server) loggingHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Int("status_code", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= 500 {
			s.logger.Warn("Request failed", fields...)
		} else {
			s.logger.Debug("Request completed", fields...)
		}
	})
}
