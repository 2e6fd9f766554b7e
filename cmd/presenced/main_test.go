package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/config"
	"github.com/example/festivo/internal/location"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/engine"
	"github.com/example/festivo/internal/presence/zones"
	"github.com/example/festivo/internal/store"
)

func newEngine(t *testing.T, source *location.StreamSource) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Dependencies{
		Source:  source,
		Store:   store.NewMemoryStore(),
		Catalog: zones.NewStaticCatalog(nil),
	}, engine.Config{Identity: broadcast.Identity{SubjectID: "alice"}})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestTrackingServiceStartsAndStaysUp(t *testing.T) {
	e := newEngine(t, location.NewStreamSource("alice", nil))
	svc := &trackingService{engine: e, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTrackingServiceDeniedIsFinal(t *testing.T) {
	source := location.NewStreamSource("alice", nil)
	source.SetPermission(false)
	svc := &trackingService{engine: newEngine(t, source), logger: zap.NewNop()}
	require.ErrorIs(t, svc.Serve(context.Background()), suture.ErrDoNotRestart)
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	s, closeFn, err := openStore(config.Default(), nil, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &store.MemoryStore{}, s)
	require.NoError(t, probe(s))
}

type brokenStore struct{ *store.MemoryStore }

func (brokenStore) Get(context.Context, string, string) (domain.Record, error) {
	return domain.Record{}, errors.New("connection refused")
}

func TestProbeReportsBackendFailure(t *testing.T) {
	require.Error(t, probe(brokenStore{store.NewMemoryStore()}))
}

func TestFuncService(t *testing.T) {
	called := false
	svc := funcService{name: "x", run: func(context.Context) error { called = true; return nil }}
	require.NoError(t, svc.Serve(context.Background()))
	require.True(t, called)
	require.Equal(t, "x", svc.String())
}
