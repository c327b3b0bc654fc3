/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package profserver provides an HTTP server that exposes pprof profiles and Prometheus metrics
// of a process running the task limiter.
package profserver

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/service"
)

// ProfServer is the diagnostics HTTP server. It serves pprof under /debug and metrics under /metrics.
// It implements service.Unit interface.
type ProfServer struct {
	HTTPServer *http.Server
	Logger     log.FieldLogger

	listening chan struct{}
	addr      net.Addr
	done      chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new diagnostics server. Metrics are served from the default Prometheus registry.
func New(cfg *Config, logger log.FieldLogger) *ProfServer {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID, chimiddleware.Recoverer, requestLogging(logger))
	router.Mount("/debug", chimiddleware.Profiler())
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return &ProfServer{
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Logger:    logger,
		listening: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start serves HTTP requests until Stop is called. It blocks, so it should be called in a separate goroutine.
func (s *ProfServer) Start(fatalErr chan<- error) {
	defer close(s.done)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))
	ln, err := net.Listen("tcp", s.HTTPServer.Addr)
	if err != nil {
		logger.Error("diagnostics HTTP server listen error", log.Error(err))
		fatalErr <- err
		return
	}
	s.addr = ln.Addr()
	close(s.listening)

	logger.Info("diagnostics HTTP server is started", log.String("listen_address", s.addr.String()))
	if err = s.HTTPServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("diagnostics HTTP server error", log.Error(err))
		fatalErr <- err
		return
	}
	logger.Info("diagnostics HTTP server is closed")
}

// Addr waits until the server starts listening and returns the actual listen address.
// It returns nil if the server is not listening within the timeout.
func (s *ProfServer) Addr(timeout time.Duration) net.Addr {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.listening:
		return s.addr
	case <-s.done:
		return nil
	case <-timer.C:
		return nil
	}
}

// Stop closes the server. Diagnostics requests are never waited for, so gracefully is ignored.
func (s *ProfServer) Stop(_ bool) error {
	if err := s.HTTPServer.Close(); err != nil {
		s.Logger.Error("diagnostics HTTP server closing error", log.Error(err))
		return err
	}
	select {
	case <-s.listening:
		<-s.done
	default:
	}
	return nil
}

func requestLogging(logger log.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("diagnostics request is served",
				log.String("request_id", chimiddleware.GetReqID(r.Context())),
				log.String("method", r.Method),
				log.String("uri", r.RequestURI),
				log.Int("status", ww.Status()),
				log.Duration("duration", time.Since(startedAt)))
		})
	}
}
