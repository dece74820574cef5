package elbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQoS(t *testing.T) {
	tests := []struct {
		in   string
		want QoS
	}{
		{"no", QoSNo},
		{"0", QoSNo},
		{"processed", QoSProcessed},
		{"1", QoSProcessed},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			q, err := ParseQoS(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
			assert.True(t, q.Valid())
		})
	}

	_, err := ParseQoS("2")
	assert.ErrorIs(t, err, ErrInvalidQoS)
	assert.False(t, QoS(2).Valid())
	assert.Equal(t, "unknown", QoS(2).String())
	assert.Equal(t, "processed", QoSProcessed.String())
}

func TestOpIDManager(t *testing.T) {
	m := newOpIDManager()

	id1, err := m.Allocate()
	require.NoError(t, err)
	id2, err := m.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(2), id2)
	assert.Equal(t, 2, m.InUse())

	m.Release(id1)
	assert.Equal(t, 1, m.InUse())

	t.Run("wraps without zero", func(t *testing.T) {
		m := newOpIDManager()
		m.next = ^uint32(0)
		id, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, ^uint32(0), id)

		id, err = m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), id)
	})

	t.Run("skips ids in use", func(t *testing.T) {
		m := newOpIDManager()
		m.used[1] = struct{}{}
		id, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint32(2), id)
	})

	t.Run("concurrent ids are unique", func(t *testing.T) {
		m := newOpIDManager()
		var mu sync.Mutex
		seen := make(map[uint32]bool)
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					id, err := m.Allocate()
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					assert.False(t, seen[id])
					seen[id] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 1000)
		assert.NotContains(t, seen, uint32(0))
	})
}
