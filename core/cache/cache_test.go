package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_Eviction(t *testing.T) {
	c, err := NewLRU[string, int](2)
	require.NoError(t, err)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3) // evicts a

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.Equal(t, 2, c.Len())
}

func TestExpirableLRU_TTL(t *testing.T) {
	c := NewExpirableLRU[string, int](8, 20*time.Millisecond)
	c.Add("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestNop(t *testing.T) {
	c := Nop[string, int]()
	c.Add("a", 1)
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}
