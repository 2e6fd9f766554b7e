package handler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyCacheEvictsOldest(t *testing.T) {
	c := newIdempotencyCache(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.put("a", []byte("ignored"))

	got, ok := c.get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), got)

	c.put("c", []byte("3"))
	_, ok = c.get("a")
	require.False(t, ok)
	_, ok = c.get("b")
	require.True(t, ok)
	_, ok = c.get("c")
	require.True(t, ok)
}
