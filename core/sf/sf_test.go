package sf

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroup_Deduplicates(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32

	entered := make(chan struct{})
	release := make(chan struct{})
	fn := func() (int, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, _, err := g.Do("k", fn)
		require.NoError(t, err)
		results[0] = v
	}()
	<-entered

	// The leader is parked inside fn; these join its flight.
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := g.Do("k", fn)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestGroup_Forget(t *testing.T) {
	var g Group[string]

	v, _, err := g.Do("k", func() (string, error) { return "first", nil })
	require.NoError(t, err)
	require.Equal(t, "first", v)

	g.Forget("k")
	v, _, err = g.Do("k", func() (string, error) { return "second", nil })
	require.NoError(t, err)
	require.Equal(t, "second", v)
}
