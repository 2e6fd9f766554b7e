// Package sampler owns the position source subscription and adapts the
// sampling cadence to recent movement.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/geo"
)

// Config holds the movement thresholds and the per-mode source options.
type Config struct {
	StationaryThresholdMeters float64
	ZoneProximityMeters       float64
	StationaryTimeout         time.Duration
	ForcedActiveWindow        time.Duration
	Active                    domain.SampleOptions
	Economy                   domain.SampleOptions
}

func (c Config) withDefaults() Config {
	if c.StationaryThresholdMeters <= 0 {
		c.StationaryThresholdMeters = 25
	}
	if c.ZoneProximityMeters <= 0 {
		c.ZoneProximityMeters = 100
	}
	if c.StationaryTimeout <= 0 {
		c.StationaryTimeout = 3 * time.Minute
	}
	if c.ForcedActiveWindow <= 0 {
		c.ForcedActiveWindow = 2 * time.Minute
	}
	if c.Active.Interval <= 0 {
		c.Active.Interval = 10 * time.Second
	}
	if c.Active.MinDistanceMeters <= 0 {
		c.Active.MinDistanceMeters = 10
	}
	if c.Economy.Interval <= 0 {
		c.Economy.Interval = 60 * time.Second
	}
	if c.Economy.MinDistanceMeters <= 0 {
		c.Economy.MinDistanceMeters = 50
	}
	return c
}

type timerKey int

const (
	timerEconomy timerKey = iota
	timerForced
)

// Sampler switches between ACTIVE and ECONOMY cadences. All state changes
// happen under one lock: source callbacks, timer callbacks and caller
// operations run to completion one at a time, and listeners are notified
// before the lock is released.
type Sampler struct {
	source domain.PositionSource
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger

	listeners observer.Registry[domain.PositionSample]

	mu          sync.Mutex
	timers      *clock.Timers[timerKey]
	running     bool
	session     uint64
	generation  uint64
	zones       []domain.Zone
	background  bool
	mode        domain.TrackingMode
	last        *domain.PositionSample
	forced      bool
	unsubscribe func()
	cancel      context.CancelFunc
	subCtx      context.Context
}

func New(source domain.PositionSource, clk clock.Clock, cfg Config, logger *zap.Logger) *Sampler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sampler{
		source: source,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	s.timers = clock.NewTimers[timerKey](clk, &s.mu)
	return s
}

// Start requests permission and subscribes in ACTIVE mode. ctx bounds the
// permission request only; the subscription lives until Stop.
func (s *Sampler) Start(ctx context.Context, zones []domain.Zone, background bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.ErrAlreadyStarted
	}

	granted, err := s.source.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("%w: request permission: %v", domain.ErrSourceUnavailable, err)
	}
	if !granted {
		return domain.ErrPermissionDenied
	}

	s.session++
	s.zones = append([]domain.Zone(nil), zones...)
	s.background = background
	s.last = nil
	s.forced = false
	s.subCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.generation++
	unsubscribe, err := s.source.Subscribe(s.subCtx, s.options(domain.ModeActive), s.handler(s.session, s.generation))
	if err != nil {
		s.cancel()
		return fmt.Errorf("%w: subscribe: %v", domain.ErrSourceUnavailable, err)
	}
	s.unsubscribe = unsubscribe
	s.running = true
	s.setMode(domain.ModeActive)
	s.logger.Info("sampling started", zap.Bool("background", background), zap.Int("zones", len(zones)))
	return nil
}

// Stop cancels every timer and the source subscription. No sample is
// delivered to listeners once Stop returns. Stopping twice is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.halt()
	s.logger.Info("sampling stopped")
}

// Subscribe registers fn for every accepted sample.
func (s *Sampler) Subscribe(fn func(domain.PositionSample)) func() {
	return s.listeners.Subscribe(fn)
}

// SetZones swaps the zone set used for the proximity check.
func (s *Sampler) SetZones(zones []domain.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones = append([]domain.Zone(nil), zones...)
}

// ForceActive switches to ACTIVE for the forced window regardless of
// movement, then re-evaluates from the last known sample.
func (s *Sampler) ForceActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.forced = true
	s.timers.Cancel(timerEconomy)
	s.switchMode(domain.ModeActive)
	if !s.running {
		return
	}
	s.timers.Schedule(timerForced, s.cfg.ForcedActiveWindow, func() {
		s.forced = false
		s.reevaluate()
	})
}

// RequestFix asks the source for a single sample and processes it like any
// subscribed sample.
func (s *Sampler) RequestFix(ctx context.Context) error {
	s.mu.Lock()
	running, token := s.running, s.session
	s.mu.Unlock()
	if !running {
		return domain.ErrNotRunning
	}
	sample, err := s.source.GetOne(ctx)
	if err != nil {
		return fmt.Errorf("%w: get one: %v", domain.ErrSourceUnavailable, err)
	}
	s.handler(token, 0)(sample)
	return nil
}

// Mode returns the current tracking mode, or "" when not running.
func (s *Sampler) Mode() domain.TrackingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the last accepted sample.
func (s *Sampler) Last() (domain.PositionSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.PositionSample{}, false
	}
	return *s.last, true
}

// handler binds source callbacks to one session and one subscription.
// Samples from a subscription that outlived its session, or that a mode
// switch replaced, are dropped; a fix pushed while both subscriptions were
// registered is then processed once. A zero generation accepts any.
func (s *Sampler) handler(token, generation uint64) func(domain.PositionSample) {
	return func(sample domain.PositionSample) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running || s.session != token {
			return
		}
		if generation != 0 && generation != s.generation {
			return
		}
		s.process(sample)
	}
}

func (s *Sampler) process(sample domain.PositionSample) {
	samplesTotal.Inc()
	moved := 0.0
	if s.last != nil {
		moved = geo.DistanceMeters(s.last.Point, sample.Point)
	}
	s.last = &sample

	if moved > s.cfg.StationaryThresholdMeters || geo.NearAny(sample.Point, s.zones, s.cfg.ZoneProximityMeters) {
		s.timers.Cancel(timerEconomy)
		s.switchMode(domain.ModeActive)
	} else if !s.forced && s.mode != domain.ModeEconomy && !s.timers.Pending(timerEconomy) {
		s.scheduleEconomy()
	}

	if s.running {
		s.listeners.Publish(sample)
	}
}

func (s *Sampler) scheduleEconomy() {
	s.timers.Schedule(timerEconomy, s.cfg.StationaryTimeout, func() {
		if s.forced || s.nearZone() {
			return
		}
		s.switchMode(domain.ModeEconomy)
	})
}

// reevaluate runs when a forced window ends. A single sample carries no
// movement, so only zone proximity keeps the sampler ACTIVE.
func (s *Sampler) reevaluate() {
	if s.nearZone() {
		return
	}
	if s.mode != domain.ModeEconomy && !s.timers.Pending(timerEconomy) {
		s.scheduleEconomy()
	}
}

func (s *Sampler) nearZone() bool {
	return s.last != nil && geo.NearAny(s.last.Point, s.zones, s.cfg.ZoneProximityMeters)
}

// switchMode subscribes with the new cadence before releasing the old
// subscription. A failed resubscribe ends sampling until the caller starts
// again.
func (s *Sampler) switchMode(mode domain.TrackingMode) {
	if s.mode == mode {
		return
	}
	generation := s.generation + 1
	unsubscribe, err := s.source.Subscribe(s.subCtx, s.options(mode), s.handler(s.session, generation))
	if err != nil {
		s.logger.Warn("resubscribe failed, sampling stopped", zap.String("mode", string(mode)), zap.Error(err))
		s.halt()
		return
	}
	previous := s.unsubscribe
	s.unsubscribe = unsubscribe
	s.generation = generation
	s.setMode(mode)
	if previous != nil {
		previous()
	}
	s.logger.Debug("tracking mode switched", zap.String("mode", string(mode)))
}

func (s *Sampler) setMode(mode domain.TrackingMode) {
	s.mode = mode
	modeSwitches.WithLabelValues(string(mode)).Inc()
	if mode == domain.ModeActive {
		activeMode.Set(1)
	} else {
		activeMode.Set(0)
	}
}

func (s *Sampler) options(mode domain.TrackingMode) domain.SampleOptions {
	opts := s.cfg.Active
	if mode == domain.ModeEconomy {
		opts = s.cfg.Economy
	}
	opts.Background = s.background
	return opts
}

func (s *Sampler) halt() {
	s.running = false
	s.session++
	s.timers.StopAll()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.forced = false
	s.last = nil
	s.mode = ""
	activeMode.Set(0)
}
