package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/dwell"
	"github.com/example/festivo/internal/presence/group"
	"github.com/example/festivo/internal/presence/sampler"
	"github.com/example/festivo/internal/presence/zones"
	"github.com/example/festivo/internal/store"
)

// Session holds every live component, subscription and timer of one
// tracking run. It is built by Start and torn down as a unit by Stop.
type Session struct {
	engine *Engine
	logger *zap.Logger
	cancel context.CancelFunc
	closed atomic.Bool

	sampler     *sampler.Sampler
	resolver    *zones.Resolver
	dwell       *dwell.Detector
	group       *group.Detector
	broadcaster *broadcast.Broadcaster

	closers []func()

	presenceMu sync.Mutex
	presence   []domain.PresenceRecord
}

func newSession(ctx context.Context, e *Engine, catalog []domain.Zone, background bool) (*Session, error) {
	deps, cfg := e.deps, e.cfg
	logger := e.logger.With(zap.String("subject_id", cfg.Identity.SubjectID))
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Session{
		engine:      e,
		logger:      logger,
		cancel:      cancel,
		sampler:     sampler.New(deps.Source, deps.Clock, cfg.Sampler, logger.Named("sampler")),
		resolver:    zones.NewResolver(catalog, logger.Named("resolver")),
		dwell:       dwell.New(deps.Clock, cfg.Dwell, deps.Writer, logger.Named("dwell")),
		group:       group.New(deps.Clock, cfg.Group, deps.Writer, logger.Named("group")),
		broadcaster: broadcast.New(deps.Clock, cfg.Identity, cfg.Broadcast, deps.Writer, logger.Named("broadcast")),
	}
	s.group.SetZones(catalog)

	s.closers = append(s.closers,
		s.dwell.Subscribe(e.onDetection),
		s.group.Subscribe(e.onDetection),
		s.sampler.Subscribe(s.onSample),
		deps.Catalog.Subscribe(s.onZones),
	)

	subscriptions := []struct {
		collection string
		onChange   func([]domain.Record)
	}{
		{domain.CollectionPresence, s.onPresence},
		{domain.CollectionDwellEvents, s.onRemoteEvents},
		{domain.CollectionGroupEvents, s.onRemoteEvents},
	}
	for _, sub := range subscriptions {
		unsubscribe, err := deps.Store.SubscribeCollection(sessCtx, sub.collection, sub.onChange)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("subscribe %s: %w", sub.collection, err)
		}
		s.closers = append(s.closers, unsubscribe)
	}

	s.broadcaster.SetSharingEnabled(e.sharing)

	if err := s.sampler.Start(ctx, catalog, background); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// onSample runs on the sampler's delivery path: resolve, then feed the dwell
// detector and the broadcaster.
func (s *Session) onSample(sample domain.PositionSample) {
	if s.closed.Load() {
		return
	}
	subject := s.engine.cfg.Identity.SubjectID
	if change, ok := s.resolver.Observe(subject, sample); ok {
		s.dwell.OnZoneChanged(change)
	}
	s.broadcaster.UpdatePosition(sample, s.resolver.Current().ZoneID)
}

func (s *Session) onZones(catalog []domain.Zone) {
	if s.closed.Load() {
		return
	}
	s.resolver.SetZones(catalog)
	s.sampler.SetZones(catalog)
	s.group.SetZones(catalog)
	s.logger.Info("zone catalog updated", zap.Int("zones", len(catalog)))
}

func (s *Session) onPresence(records []domain.Record) {
	if s.closed.Load() {
		return
	}
	decoded := store.DecodeRecords[domain.PresenceRecord](records, s.logger)
	s.presenceMu.Lock()
	s.presence = decoded
	s.presenceMu.Unlock()
	s.group.OnPresenceSnapshot(decoded)
}

// onRemoteEvents feeds dwell and group events published by every device,
// this one included, into the feed. The aggregator drops duplicates by id.
func (s *Session) onRemoteEvents(records []domain.Record) {
	if s.closed.Load() {
		return
	}
	for _, event := range store.DecodeRecords[domain.ActivityEvent](records, s.logger) {
		s.engine.feed.Ingest(event)
	}
}

func (s *Session) presenceSnapshot() []domain.PresenceRecord {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	return append([]domain.PresenceRecord(nil), s.presence...)
}

// close stops the sampler first so no new sample enters the pipeline, then
// drops every subscription and cancels every detector timer.
func (s *Session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.sampler.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	s.cancel()
	s.dwell.Stop()
	s.group.Stop()
	s.broadcaster.Stop()
	s.resolver.Reset()
}
