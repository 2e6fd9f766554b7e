package broadcast_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
)

type write struct {
	op     string
	key    string
	record domain.PresenceRecord
}

type memWriter struct {
	mu     sync.Mutex
	writes []write
}

func (w *memWriter) Put(_, key string, record any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{op: "put", key: key, record: record.(domain.PresenceRecord)})
}

func (w *memWriter) Delete(_, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{op: "delete", key: key})
}

var (
	t0  = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	pos = domain.GeoPoint{Lat: 51.5072, Lng: -0.1276}
	me  = broadcast.Identity{SubjectID: "alice", DisplayName: "Alice"}
)

func newBroadcaster(t *testing.T) (*broadcast.Broadcaster, *memWriter, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	w := &memWriter{}
	b := broadcast.New(clk, me, broadcast.Config{}, w, nil)
	t.Cleanup(b.Stop)
	return b, w, clk
}

func TestPublishesOnEnableAndInterval(t *testing.T) {
	b, w, clk := newBroadcaster(t)
	b.UpdatePosition(domain.PositionSample{Point: pos, Timestamp: t0}, "main")
	require.Empty(t, w.writes, "nothing published while sharing is off")

	b.SetSharingEnabled(true)
	require.True(t, b.Sharing())
	require.Len(t, w.writes, 1)
	rec := w.writes[0].record
	require.Equal(t, "alice", rec.SubjectID)
	require.Equal(t, "Alice", rec.DisplayName)
	require.Equal(t, "main", rec.ZoneID)
	require.True(t, rec.IsOnline)
	require.Equal(t, t0, rec.LastUpdated)

	clk.Advance(2 * time.Minute)
	clk.Advance(2 * time.Minute)
	require.Len(t, w.writes, 3)
	require.Equal(t, t0.Add(4*time.Minute), w.writes[2].record.LastUpdated)
}

func TestEnableWithoutPositionWaitsForFirstSample(t *testing.T) {
	b, w, _ := newBroadcaster(t)
	b.SetSharingEnabled(true)
	require.Empty(t, w.writes)

	b.UpdatePosition(domain.PositionSample{Point: pos, Timestamp: t0}, "")
	require.Len(t, w.writes, 1)
}

func TestZoneChangePublishesImmediately(t *testing.T) {
	b, w, _ := newBroadcaster(t)
	b.SetSharingEnabled(true)
	b.UpdatePosition(domain.PositionSample{Point: pos}, "main")
	b.UpdatePosition(domain.PositionSample{Point: pos}, "main")
	b.UpdatePosition(domain.PositionSample{Point: pos}, "bar")
	require.Len(t, w.writes, 2)
	require.Equal(t, "bar", w.writes[1].record.ZoneID)
}

func TestDisableDeletesRecord(t *testing.T) {
	b, w, clk := newBroadcaster(t)
	b.UpdatePosition(domain.PositionSample{Point: pos}, "main")
	b.SetSharingEnabled(true)
	b.SetSharingEnabled(false)
	require.Equal(t, "delete", w.writes[len(w.writes)-1].op)
	require.Equal(t, "alice", w.writes[len(w.writes)-1].key)

	clk.Advance(time.Hour)
	require.Len(t, w.writes, 2)
	require.Zero(t, clk.Pending())
}

func TestStopCancelsTimer(t *testing.T) {
	b, w, clk := newBroadcaster(t)
	b.UpdatePosition(domain.PositionSample{Point: pos}, "main")
	b.SetSharingEnabled(true)
	b.Stop()
	clk.Advance(time.Hour)
	require.Len(t, w.writes, 1)
	require.Zero(t, clk.Pending())
}

func TestVisible(t *testing.T) {
	now := t0.Add(time.Hour)
	records := []domain.PresenceRecord{
		{SubjectID: "fresh", IsOnline: true, LastUpdated: now.Add(-time.Minute)},
		{SubjectID: "quiet", IsOnline: true, LastUpdated: now.Add(-6 * time.Minute)},
		{SubjectID: "expired", IsOnline: true, LastUpdated: now.Add(-11 * time.Minute)},
		{SubjectID: "offline", IsOnline: false, LastUpdated: now},
	}
	visible := broadcast.Visible(records, now, 10*time.Minute, 4*time.Minute)
	require.Len(t, visible, 3)
	require.Equal(t, "fresh", visible[0].SubjectID)
	require.True(t, visible[0].IsOnline)
	require.Equal(t, "quiet", visible[1].SubjectID)
	require.False(t, visible[1].IsOnline)
	require.Equal(t, "offline", visible[2].SubjectID)
	require.False(t, visible[2].IsOnline)
}
