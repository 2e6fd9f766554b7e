// Package dwell turns zone changes into entered/left events once a subject
// has stayed in (or away from) a zone for the dwell threshold.
package dwell

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/domain"
)

var dwellEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dwell_events_total",
	Help: "Dwell events emitted grouped by action.",
}, []string{"action"})

// Config controls the dwell threshold shared by entered and left detection.
type Config struct {
	Threshold time.Duration
}

type timerKey struct {
	subject string
	zone    string
}

type subjectState struct {
	current  string
	dwelling map[string]struct{}
}

// Detector keeps one state machine per subject. At most one timer exists per
// (subject, zone); its pending action is either entered or left.
type Detector struct {
	clock  clock.Clock
	cfg    Config
	writer domain.Writer
	logger *zap.Logger

	listeners observer.Registry[domain.ActivityEvent]

	mu       sync.Mutex
	timers   *clock.Timers[timerKey]
	actions  map[timerKey]domain.DwellAction
	subjects map[string]*subjectState
	zones    map[string]domain.Zone
	stopped  bool
}

func New(clk clock.Clock, cfg Config, writer domain.Writer, logger *zap.Logger) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		clock:    clk,
		cfg:      cfg,
		writer:   writer,
		logger:   logger,
		actions:  make(map[timerKey]domain.DwellAction),
		subjects: make(map[string]*subjectState),
		zones:    make(map[string]domain.Zone),
	}
	d.timers = clock.NewTimers[timerKey](clk, &d.mu)
	return d
}

// Subscribe registers fn for every emitted dwell event.
func (d *Detector) Subscribe(fn func(domain.ActivityEvent)) func() {
	return d.listeners.Subscribe(fn)
}

// OnZoneChanged advances the subject's state machine. Pending timers whose
// precondition no longer holds are cancelled in the same call.
func (d *Detector) OnZoneChanged(change domain.ZoneChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	st, ok := d.subjects[change.SubjectID]
	if !ok {
		st = &subjectState{dwelling: make(map[string]struct{})}
		d.subjects[change.SubjectID] = st
	}
	previous := st.current
	if previous == change.Current {
		return
	}
	st.current = change.Current
	if change.Zone != nil {
		d.zones[change.Zone.ID] = *change.Zone
	}

	if previous != "" {
		d.leave(change.SubjectID, previous, st)
	}
	if change.Current != "" {
		d.arrive(change.SubjectID, change.Current, st)
	}
}

func (d *Detector) arrive(subject, zone string, st *subjectState) {
	key := timerKey{subject: subject, zone: zone}
	if _, ok := st.dwelling[zone]; ok {
		// back before the leave threshold elapsed
		if d.actions[key] == domain.DwellLeft {
			d.cancel(key)
		}
		return
	}
	d.schedule(key, domain.DwellEntered, func() {
		if st.current != zone {
			return
		}
		st.dwelling[zone] = struct{}{}
		d.emit(subject, zone, domain.DwellEntered)
	})
}

func (d *Detector) leave(subject, zone string, st *subjectState) {
	key := timerKey{subject: subject, zone: zone}
	if d.actions[key] == domain.DwellEntered {
		d.cancel(key)
		return
	}
	if _, ok := st.dwelling[zone]; !ok {
		return
	}
	d.schedule(key, domain.DwellLeft, func() {
		if st.current == zone {
			return
		}
		delete(st.dwelling, zone)
		d.emit(subject, zone, domain.DwellLeft)
	})
}

func (d *Detector) schedule(key timerKey, action domain.DwellAction, fire func()) {
	d.actions[key] = action
	d.timers.Schedule(key, d.cfg.Threshold, func() {
		delete(d.actions, key)
		if d.stopped {
			return
		}
		fire()
	})
}

func (d *Detector) cancel(key timerKey) {
	d.timers.Cancel(key)
	delete(d.actions, key)
}

func (d *Detector) emit(subject, zoneID string, action domain.DwellAction) {
	zone, ok := d.zones[zoneID]
	if !ok {
		zone = domain.Zone{ID: zoneID}
	}
	event := domain.NewDwellEvent(subject, zone, action, d.clock.Now())
	dwellEvents.WithLabelValues(string(action)).Inc()
	d.logger.Info("dwell event",
		zap.String("subject_id", subject),
		zap.String("zone_id", zoneID),
		zap.String("action", string(action)))
	if d.writer != nil {
		d.writer.Put(domain.CollectionDwellEvents, event.ID, event)
	}
	d.listeners.Publish(event)
}

// Pending returns the number of armed dwell timers.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timers.Len()
}

// Stop cancels every timer and drops all subject state. Nothing is emitted
// once Stop returns.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.timers.StopAll()
	d.actions = make(map[timerKey]domain.DwellAction)
	d.subjects = make(map[string]*subjectState)
}
