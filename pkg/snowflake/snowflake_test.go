package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode(t *testing.T) {
	for _, node := range []int64{0, 1, MaxNode} {
		n, err := NewNode(node)
		require.NoError(t, err)
		assert.Equal(t, node, n.node)
	}

	for _, node := range []int64{-1, MaxNode + 1} {
		n, err := NewNode(node)
		assert.ErrorIs(t, err, ErrInvalidNode)
		assert.Nil(t, n)
	}
}

func TestGenerate(t *testing.T) {
	t.Run("UniqueAndIncreasing", func(t *testing.T) {
		n, err := NewNode(7)
		require.NoError(t, err)

		var prev int64
		for i := 0; i < 10000; i++ {
			id, err := n.Generate()
			require.NoError(t, err)
			require.Greater(t, id, prev)
			prev = id
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		n, err := NewNode(3)
		require.NoError(t, err)

		var (
			mu  sync.Mutex
			wg  sync.WaitGroup
			ids = make(map[int64]struct{})
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					id, err := n.Generate()
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					ids[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 4000)
	})

	t.Run("ParseRoundTrip", func(t *testing.T) {
		n, err := NewNode(42)
		require.NoError(t, err)
		fixed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
		n.now = func() int64 { return fixed }

		first, err := n.Generate()
		require.NoError(t, err)
		second, err := n.Generate()
		require.NoError(t, err)

		p := Parse(second)
		assert.Equal(t, int64(42), p.Node)
		assert.Equal(t, int64(1), p.Step)
		assert.Equal(t, fixed, p.Millis)
		assert.Equal(t, fixed, Parse(first).Time().UnixMilli())
	})

	t.Run("ClockMovedBackwards", func(t *testing.T) {
		n, err := NewNode(1)
		require.NoError(t, err)
		clock := time.Now().UnixMilli()
		n.now = func() int64 { return clock }

		_, err = n.Generate()
		require.NoError(t, err)

		clock -= 1000
		_, err = n.Generate()
		assert.ErrorIs(t, err, ErrClockMovedBackwards)
	})
}
