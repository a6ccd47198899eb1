package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oshokin/factory-update/internal/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Serve listens on address and serves handler until ctx is canceled.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	ctx = logger.WithName(ctx, "ops-http")

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	return ServeListener(ctx, lis, handler)
}

// ServeListener serves handler on lis until ctx is canceled, then shuts down gracefully.
func ServeListener(ctx context.Context, lis net.Listener, handler http.Handler) error {
	// Canceled on return too, so a failed Serve still releases the shutdown goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	logger.InfoKV(ctx, "Ops HTTP listening", "address", lis.Addr().String())

	// Closed once Shutdown returns so Serve only exits after in-flight requests finish.
	done := make(chan struct{})

	go func() {
		defer close(done)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "Ops HTTP shutdown failed", "error", err)
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-done

		return fmt.Errorf("serve ops HTTP: %w", err)
	}

	<-done
	logger.Info(ctx, "Ops HTTP stopped")

	return nil
}
