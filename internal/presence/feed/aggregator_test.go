package feed_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/feed"
)

var t0 = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)

func dwellAt(id, zone string, offset time.Duration) domain.ActivityEvent {
	return domain.ActivityEvent{ID: id, Kind: domain.EventDwell, ZoneID: zone, SubjectID: "alice", Action: domain.DwellEntered, Timestamp: t0.Add(offset)}
}

func groupAt(id, zone string, offset time.Duration) domain.ActivityEvent {
	return domain.ActivityEvent{ID: id, Kind: domain.EventGroupFormation, ZoneID: zone, MemberIDs: []string{"a", "b", "c"}, Timestamp: t0.Add(offset)}
}

func externalAt(id string, offset time.Duration) domain.ActivityEvent {
	return domain.ActivityEvent{ID: id, Kind: domain.EventExternal, ExternalKind: "drink_logged", Timestamp: t0.Add(offset)}
}

func ids(events []domain.ActivityEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestSecondDwellForZoneBalancedOut(t *testing.T) {
	a := feed.New(feed.Config{}, nil)
	a.Ingest(externalAt("x1", time.Minute))
	a.Ingest(dwellAt("d1", "main", 2*time.Minute))
	a.Ingest(externalAt("x2", 3*time.Minute))
	a.Ingest(dwellAt("d2", "main", 4*time.Minute))
	a.Ingest(externalAt("x3", 5*time.Minute))

	require.Equal(t, []string{"x3", "d2", "x2", "x1"}, ids(a.Feed()))
}

func TestSortedNewestFirstAndCapped(t *testing.T) {
	a := feed.New(feed.Config{MaxItems: 10}, nil)
	for i := 0; i < 30; i++ {
		offset := time.Duration((i*7)%30) * time.Minute
		a.Ingest(externalAt(fmt.Sprintf("x%02d", i), offset))
	}
	got := a.Feed()
	require.Len(t, got, 10)
	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].Timestamp.After(got[j].Timestamp)
	}))
	require.Equal(t, t0.Add(29*time.Minute), got[0].Timestamp)
}

func TestDuplicatesIgnored(t *testing.T) {
	a := feed.New(feed.Config{}, nil)
	var deliveries int
	a.Subscribe(func([]domain.ActivityEvent) { deliveries++ })

	a.Ingest(externalAt("x1", 0))
	a.Ingest(externalAt("x1", 0))
	a.Ingest(domain.ActivityEvent{Kind: domain.EventExternal})
	a.Ingest(domain.ActivityEvent{ID: "bogus", Kind: "unknown"})

	require.Equal(t, 1, deliveries)
	require.Len(t, a.Feed(), 1)
}

func TestBufferCapKeepsNewest(t *testing.T) {
	a := feed.New(feed.Config{BufferSize: 3, MaxItems: 50}, nil)
	for i := 0; i < 5; i++ {
		a.Ingest(externalAt(fmt.Sprintf("x%d", i), time.Duration(i)*time.Minute))
	}
	require.Equal(t, []string{"x4", "x3", "x2"}, ids(a.Feed()))
}

func TestGroupCooldownPerZone(t *testing.T) {
	a := feed.New(feed.Config{}, nil)
	a.Ingest(groupAt("g1", "main", 0))
	a.Ingest(groupAt("g2", "main", 20*time.Minute))
	a.Ingest(groupAt("g3", "bar", 25*time.Minute))
	a.Ingest(groupAt("g4", "main", 55*time.Minute))

	require.Equal(t, []string{"g4", "g3", "g2"}, ids(a.Feed()))
}

func TestDwellWindowWidensAfterGroup(t *testing.T) {
	events := []domain.ActivityEvent{
		groupAt("g1", "main", 200*time.Minute),
		dwellAt("d1", "main", 110*time.Minute),
		dwellAt("d2", "main", 70*time.Minute),
		dwellAt("d3", "bar", 65*time.Minute),
		dwellAt("d4", "bar", 10*time.Minute),
		dwellAt("d5", "bar", 0),
	}
	got := feed.Balance(events, 30*time.Minute)
	// main: window 120m once g1 passed; d1 is 90m before g1, d2 130m.
	// bar: window 60m; d4 is 55m before d3, d5 65m.
	require.Equal(t, []string{"g1", "d2", "d3", "d5"}, ids(got))
}

func TestBalanceKeepsRelativeOrder(t *testing.T) {
	events := []domain.ActivityEvent{
		externalAt("x1", 90*time.Minute),
		dwellAt("d1", "main", 80*time.Minute),
		groupAt("g1", "main", 70*time.Minute),
		externalAt("x2", 60*time.Minute),
		dwellAt("d2", "", 50*time.Minute),
		groupAt("g2", "bar", 40*time.Minute),
	}
	got := feed.Balance(events, 30*time.Minute)
	require.Equal(t, []string{"x1", "d1", "x2", "d2", "g2"}, ids(got))
}

func TestSubscribersGetCopiesAndReset(t *testing.T) {
	a := feed.New(feed.Config{}, nil)
	var last []domain.ActivityEvent
	unsubscribe := a.Subscribe(func(events []domain.ActivityEvent) {
		last = events
		if len(events) > 0 {
			events[0].ID = "mutated"
		}
	})

	a.Ingest(externalAt("x1", 0))
	require.Len(t, last, 1)
	require.Equal(t, "x1", a.Feed()[0].ID)

	a.Reset()
	require.Empty(t, last)
	require.Empty(t, a.Feed())

	unsubscribe()
	a.Ingest(externalAt("x2", 0))
	require.Empty(t, last)
}
