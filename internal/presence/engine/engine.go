// Package engine wires the presence components into one start/stop unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/dwell"
	"github.com/example/festivo/internal/presence/feed"
	"github.com/example/festivo/internal/presence/group"
	"github.com/example/festivo/internal/presence/sampler"
)

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Source    domain.PositionSource
	Store     domain.KeyedStore
	Writer    domain.Writer
	Catalog   domain.ZoneCatalog
	Publisher domain.EventPublisher
	Clock     clock.Clock
	Logger    *zap.Logger
}

type Config struct {
	Identity  broadcast.Identity
	Sampler   sampler.Config
	Dwell     dwell.Config
	Group     group.Config
	Broadcast broadcast.Config
	Feed      feed.Config
	// PublishTimeout bounds exporting one detection.
	PublishTimeout time.Duration
}

// Status describes the engine for the HTTP surface.
type Status struct {
	Running bool                `json:"running"`
	Mode    domain.TrackingMode `json:"mode,omitempty"`
	Sharing bool                `json:"sharing"`
	ZoneID  string              `json:"zone_id,omitempty"`
	Since   *time.Time          `json:"since,omitempty"`
}

// Engine owns the feed and the sharing preference across sessions and at
// most one live Session.
type Engine struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	feed   *feed.Aggregator

	detections observer.Registry[domain.ActivityEvent]

	mu      sync.Mutex
	session *Session
	sharing bool
}

func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Source == nil || deps.Store == nil || deps.Catalog == nil {
		return nil, errors.New("engine requires position source, store and zone catalog")
	}
	if cfg.Identity.SubjectID == "" {
		return nil, errors.New("engine requires a subject id")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		feed:   feed.New(cfg.Feed, deps.Logger.Named("feed")),
	}, nil
}

// Start loads the zone catalog and begins a session. Permission and source
// failures from the sampler are returned as is.
func (e *Engine) Start(ctx context.Context, background bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return domain.ErrAlreadyStarted
	}
	catalog, err := e.deps.Catalog.Zones(ctx)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	session, err := newSession(ctx, e, catalog, background)
	if err != nil {
		return err
	}
	e.session = session
	e.logger.Info("tracking session started", zap.Bool("background", background))
	return nil
}

// Stop tears the session down. Once it returns no detection, feed update or
// store write originates from the stopped session.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	e.session.close()
	e.session = nil
	e.logger.Info("tracking session stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// SetSharingEnabled stores the preference and applies it to the live session.
// Disabling without a session still deletes the published record.
func (e *Engine) SetSharingEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharing = enabled
	if e.session != nil {
		e.session.broadcaster.SetSharingEnabled(enabled)
		return
	}
	if !enabled && e.deps.Writer != nil {
		e.deps.Writer.Delete(domain.CollectionPresence, e.cfg.Identity.SubjectID)
	}
}

func (e *Engine) ForceActive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return domain.ErrNotRunning
	}
	e.session.sampler.ForceActive()
	return nil
}

// RequestFix pulls one sample from the source outside the engine lock.
func (e *Engine) RequestFix(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == nil {
		return domain.ErrNotRunning
	}
	return session.sampler.RequestFix(ctx)
}

// IngestExternal records an externally supplied event, e.g. a drink log.
func (e *Engine) IngestExternal(kind, subjectID string, payload map[string]any) domain.ActivityEvent {
	event := domain.NewExternalEvent(kind, subjectID, payload, e.deps.Clock.Now())
	e.feed.Ingest(event)
	return event
}

// IngestEvent adds an already built event to the feed.
func (e *Engine) IngestEvent(event domain.ActivityEvent) {
	e.feed.Ingest(event)
}

func (e *Engine) Feed() []domain.ActivityEvent {
	return e.feed.Feed()
}

func (e *Engine) SubscribeFeed(fn func([]domain.ActivityEvent)) func() {
	return e.feed.Subscribe(fn)
}

// SubscribeDetections registers fn for locally detected dwell and group
// events.
func (e *Engine) SubscribeDetections(fn func(domain.ActivityEvent)) func() {
	return e.detections.Subscribe(fn)
}

// Presence returns the visible presence records of the live session.
func (e *Engine) Presence() []domain.PresenceRecord {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == nil {
		return nil
	}
	return broadcast.Visible(session.presenceSnapshot(), e.deps.Clock.Now(), e.expiry(), e.onlineWindow())
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Sharing: e.sharing}
	if e.session == nil {
		return st
	}
	st.Running = true
	st.Mode = e.session.sampler.Mode()
	membership := e.session.resolver.Current()
	st.ZoneID = membership.ZoneID
	if membership.ZoneID != "" {
		since := membership.Since
		st.Since = &since
	}
	return st
}

// onDetection runs on a detector's emit path. It must not take e.mu: Stop
// holds it while waiting for detectors to finish.
func (e *Engine) onDetection(event domain.ActivityEvent) {
	e.feed.Ingest(event)
	e.detections.Publish(event)
	if e.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.deps.Publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("export detection failed", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (e *Engine) expiry() time.Duration {
	if e.cfg.Group.Expiry > 0 {
		return e.cfg.Group.Expiry
	}
	return 10 * time.Minute
}

func (e *Engine) onlineWindow() time.Duration {
	if e.cfg.Group.OnlineWindow > 0 {
		return e.cfg.Group.OnlineWindow
	}
	return 4 * time.Minute
}
