package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestReplay(t *testing.T, limit int, allowDuplicates bool) *ExperienceReplay {
	t.Helper()
	m, err := NewExperienceReplay(Transitions(limit), allowDuplicates)
	require.NoError(t, err)
	m.rng = rand.New(rand.NewSource(42))
	return m
}

func named(name string, reward float64) *Transition {
	return &Transition{
		ID:        name,
		State:     []byte(name),
		Action:    []byte{1},
		NextState: []byte(name + "'"),
		Reward:    reward,
	}
}

func ids(transitions []*Transition) []string {
	out := make([]string, len(transitions))
	for i, t := range transitions {
		out[i] = t.ID
	}
	return out
}

func contents(t *testing.T, m *ExperienceReplay) []string {
	t.Helper()
	var out []string
	for i := 0; i < m.Length(); i++ {
		tr, ok := m.Get(i)
		require.True(t, ok)
		out = append(out, tr.ID)
	}
	return out
}

func TestNewExperienceReplay_RejectsEpisodeGranularity(t *testing.T) {
	_, err := NewExperienceReplay(MaxSize{Granularity: GranularityEpisodes, Limit: 10}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewExperienceReplay(Transitions(-1), true)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("Transitions")
	require.NoError(t, err)
	assert.Equal(t, GranularityTransitions, g)

	g, err = ParseGranularity("episodes")
	require.NoError(t, err)
	assert.Equal(t, GranularityEpisodes, g)
	assert.Equal(t, "episodes", g.String())

	_, err = ParseGranularity("steps")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestExperienceReplay_Store(t *testing.T) {
	m := newTestReplay(t, 1000, true)

	transition := &Transition{
		EpisodeID: "episode-1",
		State:     []byte{1, 2, 3},
		Action:    []byte{4},
		Reward:    1.5,
	}
	m.Store(transition)

	assert.NotEmpty(t, transition.ID)
	assert.False(t, transition.Timestamp.IsZero())
	assert.NotNil(t, transition.Info)

	assert.Equal(t, 1, m.Length())
	assert.Equal(t, m.Length(), m.NumTransitions())
	assert.Equal(t, uint64(1), m.TotalStored())

	stored, ok := m.Get(m.Length() - 1)
	require.True(t, ok)
	assert.Equal(t, transition, stored)
}

func TestExperienceReplay_StoreCopiesTransition(t *testing.T) {
	m := newTestReplay(t, 0, true)

	transition := named("a", 1)
	transition.Info = map[string]any{"k": "v"}
	m.Store(transition)

	transition.Info["k"] = "changed"
	transition.Reward = 99

	stored, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, "v", stored.Info["k"])
	assert.Equal(t, 1.0, stored.Reward)

	stored.Info["k"] = "mutated by reader"
	again, _ := m.Get(0)
	assert.Equal(t, "v", again.Info["k"])
}

func TestExperienceReplay_FIFOEviction(t *testing.T) {
	m := newTestReplay(t, 3, true)

	for _, name := range []string{"A", "B", "C", "D"} {
		m.Store(named(name, 0))
		assert.LessOrEqual(t, m.Length(), 3)
	}

	assert.Equal(t, []string{"B", "C", "D"}, contents(t, m))
	first, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, "B", first.ID)

	m.Remove(0)
	assert.Equal(t, []string{"C", "D"}, contents(t, m))
	assert.Equal(t, 2, m.Length())
	assert.Equal(t, uint64(4), m.TotalStored())
	assert.Equal(t, uint64(1), m.Evicted())
}

func TestExperienceReplay_EvictionKeepsMostRecent(t *testing.T) {
	const limit = 7
	m := newTestReplay(t, limit, true)

	var expected []string
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("t%02d", i)
		m.Store(named(name, float64(i)))
		expected = append(expected, name)
		if len(expected) > limit {
			expected = expected[1:]
		}
		require.LessOrEqual(t, m.Length(), limit)
		require.Equal(t, expected, contents(t, m))
	}
}

func TestExperienceReplay_Unbounded(t *testing.T) {
	m := newTestReplay(t, 0, true)

	for i := 0; i < 500; i++ {
		m.Store(named(fmt.Sprint(i), 0))
	}
	assert.Equal(t, 500, m.Length())
	assert.Equal(t, uint64(0), m.Evicted())
}

func TestExperienceReplay_SampleWithDuplicates(t *testing.T) {
	m := newTestReplay(t, 1000, true)
	for _, name := range []string{"a", "b", "c"} {
		m.Store(named(name, 0))
	}

	batch, err := m.Sample(64)
	require.NoError(t, err)
	assert.Len(t, batch, 64)

	seen := map[string]int{}
	for _, tr := range batch {
		assert.Contains(t, []string{"a", "b", "c"}, tr.ID)
		seen[tr.ID]++
	}
	assert.Less(t, len(seen), len(batch), "a batch larger than the memory must repeat transitions")

	// sampling is non-destructive
	assert.Equal(t, 3, m.Length())
}

func TestExperienceReplay_SampleWithoutDuplicates(t *testing.T) {
	m := newTestReplay(t, 1000, false)
	for i := 0; i < 10; i++ {
		m.Store(named(fmt.Sprint(i), 0))
	}

	batch, err := m.Sample(10)
	require.NoError(t, err)
	assert.Len(t, batch, 10)
	assert.ElementsMatch(t, contents(t, m), ids(batch))

	batch, err = m.Sample(4)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, tr := range batch {
		assert.False(t, seen[tr.ID], "duplicate %s", tr.ID)
		seen[tr.ID] = true
	}
}

func TestExperienceReplay_SampleInsufficient(t *testing.T) {
	m := newTestReplay(t, 1000, false)
	m.Store(named("a", 0))
	m.Store(named("b", 0))

	batch, err := m.Sample(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientTransitions)
	assert.Nil(t, batch)
	assert.Equal(t, []string{"a", "b"}, contents(t, m))
}

func TestExperienceReplay_SampleEmptyAndInvalid(t *testing.T) {
	for _, allowDuplicates := range []bool{true, false} {
		m := newTestReplay(t, 10, allowDuplicates)

		_, err := m.Sample(1)
		assert.ErrorIs(t, err, ErrEmptyMemory)

		m.Store(named("a", 0))
		_, err = m.Sample(-1)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		batch, err := m.Sample(0)
		require.NoError(t, err)
		assert.Empty(t, batch)
	}
}

func TestExperienceReplay_GetOutOfRange(t *testing.T) {
	m := newTestReplay(t, 10, true)

	tr, ok := m.Get(0)
	assert.False(t, ok)
	assert.Nil(t, tr)

	m.Store(named("a", 0))
	_, ok = m.GetTransition(1)
	assert.False(t, ok)
	_, ok = m.Get(-1)
	assert.False(t, ok)
}

func TestExperienceReplay_Remove(t *testing.T) {
	m := newTestReplay(t, 10, true)
	for _, name := range []string{"a", "b", "c", "d"} {
		m.Store(named(name, 0))
	}

	m.RemoveTransition(1)
	assert.Equal(t, []string{"a", "c", "d"}, contents(t, m))

	before, err := m.MarshalBinary()
	require.NoError(t, err)

	m.Remove(3)
	m.Remove(100)
	m.Remove(-1)

	after, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 3, m.Length())
}

func TestExperienceReplay_UpdateLastTransitionInfo(t *testing.T) {
	m := newTestReplay(t, 10, true)

	err := m.UpdateLastTransitionInfo(map[string]any{"k": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyMemory)

	m.Store(named("a", 0))
	m.Store(&Transition{ID: "b", Info: map[string]any{"existing": true}})

	require.NoError(t, m.UpdateLastTransitionInfo(map[string]any{"n_step_return": 2.5}))

	last, ok := m.Get(m.Length() - 1)
	require.True(t, ok)
	assert.Equal(t, 2.5, last.Info["n_step_return"])
	assert.Equal(t, true, last.Info["existing"])

	first, _ := m.Get(0)
	assert.NotContains(t, first.Info, "n_step_return")
}

func TestExperienceReplay_Clean(t *testing.T) {
	m := newTestReplay(t, 10, true)
	m.Clean()
	assert.Equal(t, 0, m.Length())

	for i := 0; i < 5; i++ {
		m.Store(named(fmt.Sprint(i), 0))
	}
	m.Clean()
	assert.Equal(t, 0, m.Length())
	assert.Equal(t, 0, m.NumTransitions())

	_, ok := m.Get(0)
	assert.False(t, ok)
}

func TestExperienceReplay_MeanReward(t *testing.T) {
	m := newTestReplay(t, 10, true)

	_, err := m.MeanReward()
	assert.ErrorIs(t, err, ErrEmptyMemory)

	for _, r := range []float64{1, 2, 3, 6} {
		m.Store(named(fmt.Sprint(r), r))
	}
	mean, err := m.MeanReward()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, mean, 1e-12)
}

func TestExperienceReplay_WithLockComposesPrimitives(t *testing.T) {
	m := newTestReplay(t, 2, true)

	err := m.WithLock(func(tx *Txn) error {
		tx.Store(named("a", 1))
		tx.Store(named("b", 2))
		tx.Store(named("c", 3))
		if tx.Len() != 2 {
			return fmt.Errorf("expected 2 transitions, got %d", tx.Len())
		}
		if err := tx.UpdateLastTransitionInfo(map[string]any{"k": "v"}); err != nil {
			return err
		}
		tx.Remove(0)
		mean, err := tx.MeanReward()
		if err != nil {
			return err
		}
		if mean != 3 {
			return fmt.Errorf("unexpected mean %v", mean)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, contents(t, m))
}

func TestExperienceReplay_ConcurrentStoreAndSample(t *testing.T) {
	const (
		workers   = 8
		perWorker = 1000
		batchSize = 32
	)

	for _, limit := range []int{0, 5000} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			m := newTestReplay(t, limit, true)
			m.Store(&Transition{ID: "seed"})

			var stored atomic.Int64
			done := make(chan struct{})
			g, ctx := errgroup.WithContext(context.Background())

			g.Go(func() error {
				for {
					select {
					case <-done:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
					batch, err := m.Sample(batchSize)
					if err != nil {
						return err
					}
					if len(batch) != batchSize {
						return fmt.Errorf("batch of %d", len(batch))
					}
					for _, tr := range batch {
						if tr.ID == "" || tr.Timestamp.IsZero() || tr.Info == nil {
							return fmt.Errorf("torn transition %+v", tr)
						}
						if tr.ID != "seed" && tr.Reward != float64(len(tr.State)) {
							return fmt.Errorf("torn transition %+v", tr)
						}
					}
				}
			})

			workersGroup, _ := errgroup.WithContext(ctx)
			for w := 0; w < workers; w++ {
				workersGroup.Go(func() error {
					for i := 0; i < perWorker; i++ {
						state := make([]byte, i%16)
						m.Store(&Transition{State: state, Reward: float64(len(state))})
						stored.Add(1)
					}
					return nil
				})
			}
			require.NoError(t, workersGroup.Wait())
			close(done)
			require.NoError(t, g.Wait())

			total := workers*perWorker + 1
			expected := total
			if limit != 0 && limit < total {
				expected = limit
			}
			assert.Equal(t, int64(workers*perWorker), stored.Load())
			assert.Equal(t, expected, m.Length())
			assert.Equal(t, uint64(total), m.TotalStored())
		})
	}
}

func TestExperienceReplay_StoreUsesClock(t *testing.T) {
	m := newTestReplay(t, 10, true)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	tr := named("a", 0)
	m.Store(tr)
	assert.Equal(t, fixed, tr.Timestamp)
}
