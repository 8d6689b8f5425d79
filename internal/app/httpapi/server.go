package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Velora-App/ota_layer/pkg/logger"
)

// Server runs the control surface as a managed service.
type Server struct {
	srv *http.Server
	log *logger.Logger

	started bool
	errCh   chan error
}

// NewServer wraps the handler in an http.Server bound to addr.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:   log,
		errCh: make(chan error, 1),
	}
}

func (s *Server) Name() string { return "http-server" }

// Start begins serving in the background. A bind failure surfaces on the
// next Stop call rather than here; callers that need synchronous bind
// errors should use ListenAndServe directly.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithField("addr", s.srv.Addr).Info("control surface listening")
	s.started = true
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	if err, ok := <-s.errCh; ok && err != nil {
		return err
	}
	return nil
}
