package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	m := newTestReplay(t, 5, false)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 7; i++ {
		m.Store(&Transition{
			EpisodeID: "episode-1",
			State:     []byte{byte(i), 1, 2},
			Action:    []byte{byte(i)},
			NextState: []byte{byte(i + 1), 1, 2},
			Reward:    float64(i) * 0.5,
			GameOver:  i == 6,
			Info:      map[string]any{"step": float64(i), "tag": fmt.Sprint("t", i)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, m.UpdateLastTransitionInfo(map[string]any{"n_step_return": 3.25}))

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)

	assert.Equal(t, m.MaxSize(), restored.MaxSize())
	assert.Equal(t, m.AllowsDuplicates(), restored.AllowsDuplicates())
	assert.Equal(t, m.Length(), restored.Length())
	assert.Equal(t, m.NumTransitions(), restored.NumTransitions())
	assert.Equal(t, m.TotalStored(), restored.TotalStored())

	for i := 0; i < m.Length(); i++ {
		want, _ := m.Get(i)
		got, ok := restored.Get(i)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	last, _ := restored.Get(restored.Length() - 1)
	assert.Equal(t, 3.25, last.Info["n_step_return"])
	assert.True(t, last.GameOver)
}

func TestSnapshot_EmptyMemory(t *testing.T) {
	m := newTestReplay(t, 0, true)

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Length())
	assert.Equal(t, Transitions(0), restored.MaxSize())
	assert.True(t, restored.AllowsDuplicates())
}

func TestSnapshot_UnmarshalKeepsOwnBound(t *testing.T) {
	src := newTestReplay(t, 0, true)
	for _, name := range []string{"a", "b", "c", "d"} {
		src.Store(named(name, 0))
	}
	data, err := src.MarshalBinary()
	require.NoError(t, err)

	dst := newTestReplay(t, 2, true)
	dst.Store(named("old", 0))
	require.NoError(t, dst.UnmarshalBinary(data))

	assert.Equal(t, []string{"c", "d"}, contents(t, dst))
	assert.Equal(t, Transitions(2), dst.MaxSize())
}

func TestSnapshot_Corrupt(t *testing.T) {
	m := newTestReplay(t, 10, true)
	m.Store(named("a", 1))

	_, err := Restore(nil)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = Restore([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	data, err := m.MarshalBinary()
	require.NoError(t, err)
	err = m.UnmarshalBinary(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	// a failed restore leaves the memory unchanged
	assert.Equal(t, []string{"a"}, contents(t, m))
}

func TestSnapshot_UnsupportedInfoValue(t *testing.T) {
	m := newTestReplay(t, 10, true)
	m.Store(&Transition{Info: map[string]any{"bad": struct{}{}}})

	_, err := m.MarshalBinary()
	assert.Error(t, err)
}
