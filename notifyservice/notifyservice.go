// Package notifyservice wires the operator API and the background components
// (dispatcher workers, acknowledgment sweep, health monitor) into one runnable unit.
package notifyservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/api"
	"github.com/tinywideclouds/go-campus-notify/internal/cache"
	"github.com/tinywideclouds/go-campus-notify/internal/delivery"
	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	"github.com/tinywideclouds/go-campus-notify/internal/health"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/auth"
	"github.com/tinywideclouds/go-campus-notify/internal/realtime"
	"github.com/tinywideclouds/go-campus-notify/notifyservice/config"
)

// ServiceDependencies holds the constructed components the service runs.
type ServiceDependencies struct {
	Authenticator auth.Authenticator
	Cache         *cache.Store
	Gateway       *realtime.ConnectionManager
	Dispatcher    *dispatch.Dispatcher
	Tracker       *delivery.Tracker
	Monitor       *health.Monitor
}

// Wrapper owns the operator HTTP server and the background components.
type Wrapper struct {
	server        *http.Server
	deps          *ServiceDependencies
	logger        zerolog.Logger
	httpReadyChan chan struct{}

	mu       sync.Mutex
	listener net.Listener
}

// New creates and wires up the notification service.
func New(cfg *config.AppConfig, deps *ServiceDependencies, logger zerolog.Logger) (*Wrapper, error) {
	if deps == nil || deps.Authenticator == nil || deps.Cache == nil || deps.Gateway == nil ||
		deps.Dispatcher == nil || deps.Tracker == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("all service dependencies are required")
	}

	apiHandler := api.NewAPI(deps.Dispatcher, deps.Gateway, deps.Monitor, deps.Cache, logger)

	return &Wrapper{
		server: &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           apiHandler.Router(deps.Authenticator),
			ReadHeaderTimeout: 10 * time.Second,
		},
		deps:          deps,
		logger:        logger,
		httpReadyChan: make(chan struct{}),
	}, nil
}

// Ready is closed once the HTTP listener is active.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.httpReadyChan
}

// Addr returns the bound listener address, or the configured one before Start.
func (w *Wrapper) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.server.Addr
}

// Start runs the background components, then serves the operator API until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Background components starting...")
	if err := w.deps.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := w.deps.Tracker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery tracker: %w", err)
	}
	if err := w.deps.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()
	close(w.httpReadyChan)
	w.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener is active.")

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error().Err(err).Msg("HTTP server failed")
		return err
	}
	return nil
}

// Shutdown stops intake first, then drains the workers and stops the loops.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}
	if err := w.deps.Dispatcher.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Dispatcher shutdown failed.")
		finalErr = err
	}
	if err := w.deps.Monitor.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Health monitor shutdown failed.")
		finalErr = err
	}
	if err := w.deps.Tracker.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Delivery tracker shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
