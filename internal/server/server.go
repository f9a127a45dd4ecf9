// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/broadcast"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

const (
	// Recordings with inline screenshots get large.
	maxImportBytes = 64 << 20
	maxBodyBytes   = 1 << 20
)

// Server exposes the controller over HTTP and streams the hub over /ws.
type Server struct {
	cfg     config.ServerConfig
	ctrl    *service.Controller
	ws      *broadcast.WSManager
	logger  *zap.Logger
	handler http.Handler
}

// New builds the router. hub may be nil, in which case /ws is not served.
func New(cfg config.ServerConfig, ctrl *service.Controller, hub *broadcast.Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: logger.Named("http_server"),
	}
	if hub != nil {
		s.ws = broadcast.NewWSManager(hub, logger)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Upgraded connections bypass the request logger and its wrapped writer.
	if s.ws != nil {
		r.Get("/ws", s.ws.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Get("/healthz", s.handleHealth)

		r.Route("/api", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Delete("/", s.handleCloseSession)

					r.Get("/recording", s.handleSessionRecording)
					r.Post("/recording/start", s.handleStartRecording)
					r.Post("/recording/pause", s.handlePauseRecording)
					r.Post("/recording/resume", s.handleResumeRecording)
					r.Post("/recording/stop", s.handleStopRecording)

					r.Get("/playback", s.handlePlaybackStatus)
					r.Post("/playback/start", s.handleStartPlayback)
					r.Post("/playback/pause", s.handlePausePlayback)
					r.Post("/playback/resume", s.handleResumePlayback)
					r.Post("/playback/stop", s.handleStopPlayback)
					r.Post("/playback/seek", s.handleSeekPlayback)
				})
			})

			r.Route("/recordings", func(r chi.Router) {
				r.Get("/", s.handleListRecordings)
				r.Post("/import", s.handleImportRecording)
				r.Get("/{recordingID}", s.handleGetRecording)
				r.Delete("/{recordingID}", s.handleDeleteRecording)
				r.Get("/{recordingID}/export", s.handleExportRecording)
			})
		})
	})
	return r
}

// requestLogger logs one line per request once the handler returns.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ListenAndServe serves on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests within the configured shutdown timeout and closes
// every websocket stream.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", zap.String("address", ln.Addr().String()))
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.closeStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server.")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	s.closeStreams()
	err := srv.Shutdown(shutdownCtx)
	<-serveErr
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) closeStreams() {
	if s.ws != nil {
		s.ws.Close()
	}
}
