// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds the whole ordered shutdown.
const ShutdownTimeout = 15 * time.Second

// Service is a long-running component. Start blocks until the component stops.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Named pairs a service with the name used in logs.
type Named struct {
	Name    string
	Service Service
}

// Run executes the main application lifecycle. It starts every service in its
// own goroutine, waits for SIGINT/SIGTERM or a service failure, then shuts the
// services down in the order given.
func Run(ctx context.Context, logger zerolog.Logger, services ...Named) {
	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	RunUntil(signalCtx, logger, services...)
}

// RunUntil is Run without signal handling: shutdown starts when ctx is done.
func RunUntil(ctx context.Context, logger zerolog.Logger, services ...Named) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, s := range services {
		wg.Add(1)
		go func(s Named) {
			defer wg.Done()
			logger.Info().Str("service", s.Name).Msg("Starting service...")
			err := s.Service.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("service", s.Name).Msg("Service failed")
				cancel() // Trigger shutdown of other services.
			}
		}(s)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown initiated.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	for _, s := range services {
		logger.Info().Str("service", s.Name).Msg("Shutting down service...")
		if err := s.Service.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("service", s.Name).Msg("Service shutdown failed.")
		}
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
