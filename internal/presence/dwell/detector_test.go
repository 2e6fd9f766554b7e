package dwell_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/dwell"
)

type memWriter struct {
	mu   sync.Mutex
	puts map[string][]string
}

func (w *memWriter) Put(collection, key string, _ any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.puts == nil {
		w.puts = make(map[string][]string)
	}
	w.puts[collection] = append(w.puts[collection], key)
}

func (w *memWriter) Delete(string, string) {}

var (
	t0    = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	zone1 = domain.Zone{ID: "z1", Name: "Main Stage", Kind: domain.ZoneStage, RadiusMeters: 80}
	zone2 = domain.Zone{ID: "z2", Name: "Beer Garden", Kind: domain.ZoneBar, RadiusMeters: 40}
)

type harness struct {
	clk      *clock.Fake
	detector *dwell.Detector
	writer   *memWriter
	events   []domain.ActivityEvent
	current  map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(t0), writer: &memWriter{}, current: map[string]string{}}
	h.detector = dwell.New(h.clk, dwell.Config{Threshold: 5 * time.Minute}, h.writer, nil)
	h.detector.Subscribe(func(e domain.ActivityEvent) { h.events = append(h.events, e) })
	t.Cleanup(h.detector.Stop)
	return h
}

func (h *harness) move(subject string, zone *domain.Zone) {
	next := ""
	if zone != nil {
		next = zone.ID
	}
	h.detector.OnZoneChanged(domain.ZoneChange{
		SubjectID: subject,
		Previous:  h.current[subject],
		Current:   next,
		Zone:      zone,
		At:        h.clk.Now(),
	})
	h.current[subject] = next
}

func actions(events []domain.ActivityEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ZoneID+":"+string(e.Action))
	}
	return out
}

func TestEnteredAfterThreshold(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)

	h.clk.Advance(5*time.Minute - time.Second)
	require.Empty(t, h.events)

	h.clk.Advance(time.Second)
	require.Len(t, h.events, 1)
	e := h.events[0]
	require.Equal(t, domain.EventDwell, e.Kind)
	require.Equal(t, domain.DwellEntered, e.Action)
	require.Equal(t, "alice", e.SubjectID)
	require.Equal(t, "Main Stage", e.ZoneName)
	require.Equal(t, t0.Add(5*time.Minute), e.Timestamp)
	require.Equal(t, []string{e.ID}, h.writer.puts[domain.CollectionDwellEvents])
}

func TestFlapSuppression(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.move("alice", &zone1)
		h.clk.Advance(time.Minute)
		h.move("alice", nil)
		h.clk.Advance(20 * time.Second)
	}
	h.clk.Advance(time.Hour)
	require.Empty(t, h.events)
	require.Zero(t, h.detector.Pending())
	require.Zero(t, h.clk.Pending())
}

func TestFlapAfterEnteredEmitsOnlyFinalLeft(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)
	h.clk.Advance(6 * time.Minute)
	require.Equal(t, []string{"z1:entered"}, actions(h.events))

	h.move("alice", nil)
	h.clk.Advance(30 * time.Second)
	h.move("alice", &zone1)
	h.clk.Advance(30 * time.Second)
	h.move("alice", nil)

	// no further entered events; the final exit is only confirmed once the
	// subject has been away for a full threshold
	h.clk.Advance(5*time.Minute - time.Second)
	require.Equal(t, []string{"z1:entered"}, actions(h.events))

	h.clk.Advance(time.Second)
	require.Equal(t, []string{"z1:entered", "z1:left"}, actions(h.events))
	require.Equal(t, t0.Add(12*time.Minute), h.events[1].Timestamp)
	require.Zero(t, h.detector.Pending())
}

func TestLeftCancelledByReturn(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)
	h.clk.Advance(5 * time.Minute)

	h.move("alice", &zone2)
	h.clk.Advance(4 * time.Minute)
	h.move("alice", &zone1)
	h.clk.Advance(time.Hour)

	require.Equal(t, []string{"z1:entered"}, actions(h.events))
}

func TestZoneToZone(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)
	h.clk.Advance(5 * time.Minute)

	h.move("alice", &zone2)
	h.clk.Advance(5 * time.Minute)

	require.ElementsMatch(t, []string{"z1:entered", "z1:left", "z2:entered"}, actions(h.events))
	require.Equal(t, "z1:entered", actions(h.events)[0])
}

func TestSubjectsAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)
	h.clk.Advance(3 * time.Minute)
	h.move("bob", &zone1)
	h.move("alice", nil)
	h.clk.Advance(5 * time.Minute)

	require.Len(t, h.events, 1)
	require.Equal(t, "bob", h.events[0].SubjectID)
}

func TestEnteredCountBoundedByDwelledZones(t *testing.T) {
	h := newHarness(t)
	sequence := []struct {
		zone *domain.Zone
		stay time.Duration
	}{
		{&zone1, 6 * time.Minute},
		{&zone2, 2 * time.Minute},
		{nil, time.Minute},
		{&zone2, 7 * time.Minute},
		{&zone1, 4 * time.Minute},
		{nil, 10 * time.Minute},
	}
	for _, step := range sequence {
		h.move("alice", step.zone)
		h.clk.Advance(step.stay)
	}
	var entered int
	for _, e := range h.events {
		if e.Action == domain.DwellEntered {
			entered++
		}
	}
	require.Equal(t, 2, entered)
}

func TestStopCancelsEverything(t *testing.T) {
	h := newHarness(t)
	h.move("alice", &zone1)
	h.move("bob", &zone2)
	require.Equal(t, 2, h.detector.Pending())

	h.detector.Stop()
	h.detector.Stop()
	require.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Hour)
	h.move("carol", &zone1)
	h.clk.Advance(time.Hour)
	require.Empty(t, h.events)
}
