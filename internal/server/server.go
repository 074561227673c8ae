// Package server provides the HTTP server for the platewatch camera system.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ayusman/platewatch/internal/app"
	"github.com/ayusman/platewatch/internal/server/api"
	"github.com/ayusman/platewatch/internal/store"
)

// Manager is the camera manager surface the server exposes.
type Manager interface {
	api.CameraManager
	api.Toggle
	Snapshotter
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Manager    Manager
	Store      *store.Store
	Streams    *StreamHub
	Detections *DetectionsHandler
}

// Server represents the HTTP server for the platewatch application.
type Server struct {
	config Config
	router chi.Router
	start  time.Time
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		router: chi.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)

	if s.config.Manager != nil {
		var streams api.Streams
		if s.config.Streams != nil {
			streams = s.config.Streams
		}
		cameras := api.NewCameraHandler(s.config.Manager, streams, s.config.Store)
		s.router.Mount("/api/cameras", cameras.Routes())

		recognition := api.NewRecognitionHandler(s.config.Manager, s.config.Store)
		s.router.Method(http.MethodGet, "/api/recognition", recognition)
		s.router.Method(http.MethodPut, "/api/recognition", recognition)
	}

	if s.config.Store != nil {
		history := api.NewHistoryHandler(s.config.Store)
		s.router.Mount("/api/detections/history", history.Routes())
	}

	if s.config.Detections != nil {
		s.router.Method(http.MethodGet, "/api/detections", s.config.Detections)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.router.Handle("/*", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.config.Manager != nil {
		response["cameras"] = len(s.config.Manager.Controllers())
		response["recognition_enabled"] = s.config.Manager.IsEnabled()
	}
	if s.config.Detections != nil {
		response["clients"] = s.config.Detections.Clients()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns
// nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a server started with ListenAndServe. Open MJPEG
// and WebSocket connections are closed when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return s.http.Close()
	}
	return nil
}

var _ Manager = (*app.Manager)(nil)
