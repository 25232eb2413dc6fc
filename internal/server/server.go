// Package server exposes camera status and live session events over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
)

// StatusProvider reports the live state of every running camera.
type StatusProvider interface {
	Status() []pipeline.CameraStatus
}

// Upgrader upgrades /events requests; any origin may listen.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the optional status server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	hub        *Hub
	status     StatusProvider
	logger     *zap.Logger
}

// New builds the router. Nothing listens until Start.
func New(addr string, status StatusProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	s := &Server{
		router: r,
		hub:    NewHub(logger),
		status: status,
		logger: logger,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/cameras", s.handleCameras)
	r.Get("/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Hub is the event publisher to hand to the supervisor.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Status server shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("Status server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "listeners": s.hub.ClientCount()})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondJSON(w, http.StatusOK, []pipeline.CameraStatus{})
		return
	}
	cams := s.status.Status()
	if cams == nil {
		cams = []pipeline.CameraStatus{}
	}
	respondJSON(w, http.StatusOK, cams)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.hub.Register(c) {
		conn.Close()
		return
	}
	go c.writePump(s.logger)
	defer s.hub.Unregister(c)

	// Listeners never send anything; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Event listener dropped", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
