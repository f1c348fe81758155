package storage

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// ExperienceReplay is a bounded replay buffer that stores transitions
// without any additional structure. Every operation runs under one exclusive
// lock; use WithLock to run several primitives in a single critical section.
type ExperienceReplay struct {
	mu              sync.Mutex
	transitions     []*Transition
	numTransitions  int
	maxSize         MaxSize
	allowDuplicates bool

	totalStored uint64
	evicted     uint64

	rng *rand.Rand
	now func() time.Time
}

// NewExperienceReplay creates a replay buffer bounded by maxSize. Only
// transition granularity is supported; episodic buffers are a separate type.
func NewExperienceReplay(maxSize MaxSize, allowDuplicates bool) (*ExperienceReplay, error) {
	if maxSize.Granularity != GranularityTransitions {
		return nil, fmt.Errorf("%w: experience replay size can only be configured in terms of transitions, got %s",
			ErrConfiguration, maxSize.Granularity)
	}
	if maxSize.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrConfiguration, maxSize.Limit)
	}

	return &ExperienceReplay{
		transitions:     make([]*Transition, 0),
		maxSize:         maxSize,
		allowDuplicates: allowDuplicates,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		now:             time.Now,
	}, nil
}

// WithLock runs fn while holding the memory lock. The Txn passed to fn must
// not be retained after fn returns.
func (m *ExperienceReplay) WithLock(fn func(tx *Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fn(&Txn{m: m})
}

// Store implements Memory.Store
func (m *ExperienceReplay) Store(transition *Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store(transition)
}

// Sample implements Memory.Sample
func (m *ExperienceReplay) Sample(size int) ([]*Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sample(size)
}

// Get implements Memory.Get
func (m *ExperienceReplay) Get(index int) (*Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.get(index)
}

// GetTransition is an alias of Get
func (m *ExperienceReplay) GetTransition(index int) (*Transition, bool) {
	return m.Get(index)
}

// Remove implements Memory.Remove
func (m *ExperienceReplay) Remove(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(index)
}

// RemoveTransition is an alias of Remove
func (m *ExperienceReplay) RemoveTransition(index int) {
	m.Remove(index)
}

// UpdateLastTransitionInfo implements Memory.UpdateLastTransitionInfo
func (m *ExperienceReplay) UpdateLastTransitionInfo(info map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.updateLastTransitionInfo(info)
}

// Clean implements Memory.Clean
func (m *ExperienceReplay) Clean() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clean()
}

// MeanReward implements Memory.MeanReward
func (m *ExperienceReplay) MeanReward() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.meanReward()
}

// Length returns the number of transitions in the memory
func (m *ExperienceReplay) Length() int {
	return m.NumTransitions()
}

// NumTransitions returns the number of transitions in the memory
func (m *ExperienceReplay) NumTransitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.numTransitions
}

// TotalStored returns how many transitions were ever stored, evicted or not
func (m *ExperienceReplay) TotalStored() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalStored
}

// Evicted returns how many transitions were dropped to honor the bound
func (m *ExperienceReplay) Evicted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evicted
}

// MaxSize returns the configured bound
func (m *ExperienceReplay) MaxSize() MaxSize {
	return m.maxSize
}

// AllowsDuplicates reports whether a batch may repeat a transition
func (m *ExperienceReplay) AllowsDuplicates() bool {
	return m.allowDuplicates
}

// Helper methods. Callers must hold m.mu.

func (m *ExperienceReplay) store(transition *Transition) {
	if transition.ID == "" {
		transition.ID = uuid.New().String()
	}
	if transition.Timestamp.IsZero() {
		transition.Timestamp = m.now().UTC()
	}
	if transition.Info == nil {
		transition.Info = make(map[string]any)
	}

	m.numTransitions++
	m.totalStored++
	m.transitions = append(m.transitions, transition.clone())
	m.enforceMaxLength()
}

// enforceMaxLength drops transitions from the head until the bound holds.
func (m *ExperienceReplay) enforceMaxLength() {
	switch m.maxSize.Granularity {
	case GranularityTransitions:
		for m.maxSize.Limit != 0 && m.numTransitions > m.maxSize.Limit {
			m.remove(0)
			m.evicted++
		}
	default:
		// NewExperienceReplay rejects every other granularity
		panic(fmt.Sprintf("storage: unsupported granularity %s", m.maxSize.Granularity))
	}
}

func (m *ExperienceReplay) sample(size int) ([]*Transition, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidArgument, size)
	}
	if m.numTransitions == 0 {
		return nil, fmt.Errorf("cannot sample: %w", ErrEmptyMemory)
	}

	indices := make([]int, size)
	if m.allowDuplicates {
		for i := range indices {
			indices[i] = m.rng.Intn(m.numTransitions)
		}
	} else {
		if m.numTransitions < size {
			return nil, fmt.Errorf("%w: requested %d, there are currently %d transitions",
				ErrInsufficientTransitions, size, m.numTransitions)
		}
		if size > 0 {
			sampleuv.WithoutReplacement(indices, m.numTransitions, nil)
		}
	}

	batch := make([]*Transition, size)
	for i, idx := range indices {
		batch[i] = m.transitions[idx].clone()
	}
	return batch, nil
}

func (m *ExperienceReplay) get(index int) (*Transition, bool) {
	if index < 0 || index >= m.numTransitions {
		return nil, false
	}
	return m.transitions[index].clone(), true
}

func (m *ExperienceReplay) remove(index int) {
	if index < 0 || index >= m.numTransitions {
		return
	}

	m.transitions = removeAt(m.transitions, index)
	m.numTransitions--
}

func (m *ExperienceReplay) updateLastTransitionInfo(info map[string]any) error {
	if m.numTransitions == 0 {
		return fmt.Errorf("cannot update last transition info: %w", ErrEmptyMemory)
	}

	last := m.transitions[m.numTransitions-1]
	for k, v := range info {
		last.Info[k] = v
	}
	return nil
}

func (m *ExperienceReplay) clean() {
	m.transitions = make([]*Transition, 0)
	m.numTransitions = 0
}

func (m *ExperienceReplay) meanReward() (float64, error) {
	if m.numTransitions == 0 {
		return 0, fmt.Errorf("cannot compute mean reward: %w", ErrEmptyMemory)
	}

	rewards := make([]float64, m.numTransitions)
	for i, t := range m.transitions {
		rewards[i] = t.Reward
	}
	return stat.Mean(rewards, nil), nil
}

// Txn exposes the unlocked primitives of an ExperienceReplay to code that
// already holds its lock through WithLock.
type Txn struct {
	m *ExperienceReplay
}

func (tx *Txn) Store(transition *Transition) { tx.m.store(transition) }
func (tx *Txn) Sample(size int) ([]*Transition, error) { return tx.m.sample(size) }
func (tx *Txn) Get(index int) (*Transition, bool) { return tx.m.get(index) }
func (tx *Txn) Remove(index int) { tx.m.remove(index) }
func (tx *Txn) Clean() { tx.m.clean() }
func (tx *Txn) MeanReward() (float64, error) { return tx.m.meanReward() }
func (tx *Txn) Len() int { return tx.m.numTransitions }

func (tx *Txn) UpdateLastTransitionInfo(info map[string]any) error {
	return tx.m.updateLastTransitionInfo(info)
}

// removeAt deletes s[i], shifting later elements down. The head is removed
// by reslicing.
func removeAt[T any](s []T, i int) []T {
	var zero T
	if i == 0 {
		s[0] = zero
		return s[1:]
	}
	copy(s[i:], s[i+1:])
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
