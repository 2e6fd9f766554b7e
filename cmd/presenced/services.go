package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/engine"
)

// funcService adapts a Run-style loop to suture.Service.
type funcService struct {
	name string
	run  func(ctx context.Context) error
}

func (s funcService) Serve(ctx context.Context) error { return s.run(ctx) }
func (s funcService) String() string                  { return s.name }

type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := h.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }

type grpcService struct {
	addr   string
	server *grpc.Server
}

func (g *grpcService) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Serve(lis) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
		g.server.GracefulStop()
		<-errCh
		return ctx.Err()
	}
}

func (g *grpcService) String() string { return "grpc-server" }

// trackingService starts a tracking session on boot. A refused permission is
// final; other start failures are retried by the supervisor.
type trackingService struct {
	engine     *engine.Engine
	background bool
	logger     *zap.Logger
}

func (t *trackingService) Serve(ctx context.Context) error {
	err := t.engine.Start(ctx, t.background)
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		t.logger.Warn("tracking permission denied, not auto-starting")
		return suture.ErrDoNotRestart
	case errors.Is(err, domain.ErrAlreadyStarted):
	case err != nil:
		return fmt.Errorf("start tracking: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *trackingService) String() string { return "tracking-autostart" }

func eventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		logger.Warn("supervisor event", zap.String("event", e.String()), zap.Any("details", e.Map()))
	}
}
