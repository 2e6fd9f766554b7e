package observer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/observer"
)

func TestRegistryDeliversInSubscriptionOrder(t *testing.T) {
	var reg observer.Registry[int]
	var got []string
	reg.Subscribe(func(v int) { got = append(got, "first") })
	reg.Subscribe(func(v int) { got = append(got, "second") })

	reg.Publish(1)
	require.Equal(t, []string{"first", "second"}, got)
}

func TestRegistryUnsubscribeIsIdempotent(t *testing.T) {
	var reg observer.Registry[string]
	var got []string
	unsubscribe := reg.Subscribe(func(v string) { got = append(got, v) })
	keep := reg.Subscribe(func(v string) { got = append(got, "kept:"+v) })
	defer keep()

	reg.Publish("a")
	unsubscribe()
	unsubscribe()
	reg.Publish("b")

	require.Equal(t, []string{"a", "kept:a", "kept:b"}, got)
	require.Equal(t, 1, reg.Len())
}

func TestRegistryListenerMayUnsubscribeDuringPublish(t *testing.T) {
	var reg observer.Registry[int]
	calls := 0
	var unsubscribe func()
	unsubscribe = reg.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	reg.Publish(1)
	reg.Publish(2)
	require.Equal(t, 1, calls)
}

func TestRegistryClear(t *testing.T) {
	var reg observer.Registry[int]
	reg.Subscribe(func(int) { t.Fatal("cleared listener called") })
	reg.Clear()
	reg.Publish(1)
	require.Zero(t, reg.Len())
}
