package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/clock"
)

var epoch = time.Date(2026, 7, 3, 18, 0, 0, 0, time.UTC)

func TestFakeFiresInDueOrder(t *testing.T) {
	clk := clock.NewFake(epoch)
	var fired []string
	clk.AfterFunc(2*time.Minute, func() { fired = append(fired, "b") })
	clk.AfterFunc(time.Minute, func() { fired = append(fired, "a") })
	clk.AfterFunc(2*time.Minute, func() { fired = append(fired, "c") })

	clk.Advance(90 * time.Second)
	require.Equal(t, []string{"a"}, fired)

	clk.Advance(30 * time.Second)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, epoch.Add(2*time.Minute), clk.Now())
	require.Zero(t, clk.Pending())
}

func TestFakeFiresTimersScheduledDuringAdvance(t *testing.T) {
	clk := clock.NewFake(epoch)
	var at []time.Time
	clk.AfterFunc(time.Minute, func() {
		at = append(at, clk.Now())
		clk.AfterFunc(time.Minute, func() { at = append(at, clk.Now()) })
	})

	clk.Advance(5 * time.Minute)
	require.Equal(t, []time.Time{epoch.Add(time.Minute), epoch.Add(2 * time.Minute)}, at)
	require.Equal(t, epoch.Add(5*time.Minute), clk.Now())
}

func TestFakeStopIsIdempotent(t *testing.T) {
	clk := clock.NewFake(epoch)
	timer := clk.AfterFunc(time.Minute, func() { t.Fatal("stopped timer fired") })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	clk.Advance(time.Hour)
}

func TestTimersReplaceAndCancel(t *testing.T) {
	clk := clock.NewFake(epoch)
	var mu sync.Mutex
	timers := clock.NewTimers[string](clk, &mu)
	var fired []string

	mu.Lock()
	timers.Schedule("zone", time.Minute, func() { fired = append(fired, "first") })
	timers.Schedule("zone", 2*time.Minute, func() { fired = append(fired, "second") })
	require.Equal(t, 1, timers.Len())
	mu.Unlock()

	clk.Advance(time.Minute)
	require.Empty(t, fired)

	clk.Advance(time.Minute)
	require.Equal(t, []string{"second"}, fired)

	mu.Lock()
	require.False(t, timers.Pending("zone"))
	require.False(t, timers.Cancel("zone"))
	timers.Schedule("a", time.Minute, func() { fired = append(fired, "a") })
	timers.Schedule("b", time.Minute, func() { fired = append(fired, "b") })
	timers.StopAll()
	mu.Unlock()

	clk.Advance(time.Hour)
	require.Equal(t, []string{"second"}, fired)
	require.Zero(t, clk.Pending())
}
