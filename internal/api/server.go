// Package api provides the farm's HTTP surface: session auth, flag ingest,
// paginated flag reads, config exposure for clients, and the artifact store
// (hfi) download/timestamp routes. Routing uses gorilla/mux for the
// path-variable routes (/hfi/{os}/{arch}, /api/flags/{exploit}).
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/config"
	"github.com/ctfops/flagfarm/internal/flagstore"
	"github.com/ctfops/flagfarm/internal/hfi"
	"github.com/ctfops/flagfarm/internal/middleware"
)

// Server is the farm's public HTTP API.
type Server struct {
	cfg    *config.Config
	store  *flagstore.Store
	hfi    *hfi.Store
	logger *zap.Logger

	router *mux.Router
	srv    *http.Server
}

// New builds a Server. hfiStore may be nil if no hfi source is configured,
// in which case the /hfi/* routes answer 404.
func New(cfg *config.Config, store *flagstore.Store, hfiStore *hfi.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		hfi:    hfiStore,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/auth", s.handleAuth).Methods(http.MethodPost)

	s.router.HandleFunc("/api/flags/{exploit}", s.authMiddleware(s.handleIngest)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/flags", s.authMiddleware(s.handleListFlags)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/config", s.authMiddleware(s.handleConfig)).Methods(http.MethodGet)

	s.router.HandleFunc("/hfi/{os}/{arch}/timestamp", s.handleHfiTimestamp).Methods(http.MethodGet)
	s.router.HandleFunc("/hfi/{os}/{arch}", s.handleHfiDownload).Methods(http.MethodGet)
}

// Handler returns the fully wrapped handler (middleware chain + router),
// exported for tests that want to drive it with httptest without spinning
// up a real listener.
func (s *Server) Handler() http.Handler {
	chain := middleware.Chain(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Security(),
		middleware.Logger(s.logger),
		middleware.Timeout(30*time.Second),
	)
	return chain(s.router)
}

// Run starts the HTTP server and blocks until ctx is canceled, then drains
// in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutdown signal received, draining HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}()

	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
