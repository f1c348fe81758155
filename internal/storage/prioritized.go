package storage

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// PrioritizedConfig configures a PrioritizedReplay
type PrioritizedConfig struct {
	MaxSize         MaxSize
	AllowDuplicates bool

	// Alpha controls how strongly priorities skew sampling; 0 is uniform
	Alpha float64
	// Epsilon is added to every priority so no transition is starved
	Epsilon float64
}

// DefaultPrioritizedConfig returns the usual proportional replay settings
func DefaultPrioritizedConfig(maxSize MaxSize) PrioritizedConfig {
	return PrioritizedConfig{
		MaxSize:         maxSize,
		AllowDuplicates: true,
		Alpha:           0.6,
		Epsilon:         1e-6,
	}
}

// PrioritizedReplay samples transitions proportionally to their priority.
// It layers a priority vector over an ExperienceReplay and keeps both aligned
// by mutating them inside a single WithLock section.
type PrioritizedReplay struct {
	base    *ExperienceReplay
	alpha   float64
	epsilon float64

	// guarded by base.mu
	priorities  []float64
	maxPriority float64
}

// NewPrioritizedReplay creates a prioritized memory
func NewPrioritizedReplay(cfg PrioritizedConfig) (*PrioritizedReplay, error) {
	if cfg.Alpha < 0 || math.IsNaN(cfg.Alpha) {
		return nil, fmt.Errorf("%w: alpha must be non-negative, got %v", ErrConfiguration, cfg.Alpha)
	}
	if cfg.Epsilon <= 0 || math.IsNaN(cfg.Epsilon) {
		return nil, fmt.Errorf("%w: epsilon must be positive, got %v", ErrConfiguration, cfg.Epsilon)
	}

	base, err := NewExperienceReplay(cfg.MaxSize, cfg.AllowDuplicates)
	if err != nil {
		return nil, err
	}

	return &PrioritizedReplay{
		base:        base,
		alpha:       cfg.Alpha,
		epsilon:     cfg.Epsilon,
		priorities:  make([]float64, 0),
		maxPriority: 1,
	}, nil
}

// Store implements Memory.Store. New transitions get the highest priority
// seen so far so they are likely to be replayed at least once.
func (p *PrioritizedReplay) Store(transition *Transition) {
	_ = p.base.WithLock(func(tx *Txn) error {
		before := tx.Len()
		tx.Store(transition)
		p.priorities = append(p.priorities, p.maxPriority)
		p.dropHead(before + 1 - tx.Len())
		return nil
	})
}

// Sample implements Memory.Sample, discarding the importance weights
func (p *PrioritizedReplay) Sample(size int) ([]*Transition, error) {
	batch, err := p.SamplePrioritized(size, 0)
	if err != nil {
		return nil, err
	}
	return batch.Transitions, nil
}

// SamplePrioritized draws size transitions with probability proportional to
// (priority+epsilon)^alpha and returns importance-sampling weights
// normalized by the largest possible weight in the memory.
func (p *PrioritizedReplay) SamplePrioritized(size int, beta float64) (PrioritizedBatch, error) {
	var batch PrioritizedBatch

	err := p.base.WithLock(func(tx *Txn) error {
		n := tx.Len()
		if size < 0 {
			return fmt.Errorf("%w: batch size %d", ErrInvalidArgument, size)
		}
		if n == 0 {
			return fmt.Errorf("cannot sample: %w", ErrEmptyMemory)
		}
		if !p.base.allowDuplicates && n < size {
			return fmt.Errorf("%w: requested %d, there are currently %d transitions",
				ErrInsufficientTransitions, size, n)
		}

		batch = PrioritizedBatch{
			Transitions: make([]*Transition, 0, size),
			Indices:     make([]int, 0, size),
			Weights:     make([]float64, 0, size),
		}
		if size == 0 {
			return nil
		}

		w := p.scaledPriorities()
		total := floats.Sum(w)
		maxWeight := math.Pow(float64(n)*floats.Min(w)/total, -beta)

		sampler := sampleuv.NewWeighted(w, nil)
		for len(batch.Indices) < size {
			idx, ok := sampler.Take()
			if !ok {
				return fmt.Errorf("%w: priorities exhausted after %d draws",
					ErrInsufficientTransitions, len(batch.Indices))
			}
			if p.base.allowDuplicates {
				sampler.Reweight(idx, w[idx])
			}

			t, _ := tx.Get(idx)
			batch.Transitions = append(batch.Transitions, t)
			batch.Indices = append(batch.Indices, idx)
			batch.Weights = append(batch.Weights, math.Pow(float64(n)*w[idx]/total, -beta)/maxWeight)
		}
		return nil
	})
	if err != nil {
		return PrioritizedBatch{}, err
	}
	return batch, nil
}

// UpdatePriorities sets the priority of the transitions at the given
// indices. Indices past the end are skipped; the number updated is returned.
func (p *PrioritizedReplay) UpdatePriorities(indices []int, priorities []float64) (int, error) {
	if len(indices) != len(priorities) {
		return 0, fmt.Errorf("%w: mismatched lengths: %d indices vs %d priorities",
			ErrInvalidArgument, len(indices), len(priorities))
	}
	for _, pr := range priorities {
		if pr < 0 || math.IsNaN(pr) || math.IsInf(pr, 0) {
			return 0, fmt.Errorf("%w: priority %v", ErrInvalidArgument, pr)
		}
	}

	updated := 0
	_ = p.base.WithLock(func(tx *Txn) error {
		for i, idx := range indices {
			if idx < 0 || idx >= tx.Len() {
				continue
			}
			p.priorities[idx] = priorities[i]
			p.maxPriority = math.Max(p.maxPriority, priorities[i])
			updated++
		}
		return nil
	})
	return updated, nil
}

// Priorities returns a copy of the raw priority of every stored transition
func (p *PrioritizedReplay) Priorities() []float64 {
	var out []float64
	_ = p.base.WithLock(func(*Txn) error {
		out = append([]float64(nil), p.priorities...)
		return nil
	})
	return out
}

// Get implements Memory.Get
func (p *PrioritizedReplay) Get(index int) (*Transition, bool) {
	return p.base.Get(index)
}

// Remove implements Memory.Remove
func (p *PrioritizedReplay) Remove(index int) {
	_ = p.base.WithLock(func(tx *Txn) error {
		if index < 0 || index >= tx.Len() {
			return nil
		}
		tx.Remove(index)
		p.priorities = removeAt(p.priorities, index)
		return nil
	})
}

// UpdateLastTransitionInfo implements Memory.UpdateLastTransitionInfo
func (p *PrioritizedReplay) UpdateLastTransitionInfo(info map[string]any) error {
	return p.base.UpdateLastTransitionInfo(info)
}

// Clean implements Memory.Clean
func (p *PrioritizedReplay) Clean() {
	_ = p.base.WithLock(func(tx *Txn) error {
		tx.Clean()
		p.priorities = make([]float64, 0)
		p.maxPriority = 1
		return nil
	})
}

// MeanReward implements Memory.MeanReward
func (p *PrioritizedReplay) MeanReward() (float64, error) {
	return p.base.MeanReward()
}

func (p *PrioritizedReplay) Length() int         { return p.base.Length() }
func (p *PrioritizedReplay) NumTransitions() int { return p.base.NumTransitions() }
func (p *PrioritizedReplay) TotalStored() uint64 { return p.base.TotalStored() }
func (p *PrioritizedReplay) MaxSize() MaxSize    { return p.base.MaxSize() }

// MarshalBinary encodes the transitions together with their priorities
func (p *PrioritizedReplay) MarshalBinary() ([]byte, error) {
	var data []byte
	err := p.base.WithLock(func(*Txn) error {
		s := p.base.snapshot()
		s.priorities = p.priorities
		var err error
		data, err = encodeSnapshot(s)
		return err
	})
	return data, err
}

// UnmarshalBinary replaces the contents with a snapshot. Snapshots taken
// from a plain ExperienceReplay restore with every priority set to 1.
func (p *PrioritizedReplay) UnmarshalBinary(data []byte) error {
	s, err := decodeSnapshot(data)
	if err != nil {
		return err
	}

	priorities := s.priorities
	if priorities == nil {
		priorities = make([]float64, len(s.transitions))
		for i := range priorities {
			priorities[i] = 1
		}
	}

	return p.base.WithLock(func(tx *Txn) error {
		p.base.restore(s)
		p.priorities = priorities[len(priorities)-tx.Len():]
		p.maxPriority = 1
		if len(p.priorities) > 0 {
			p.maxPriority = math.Max(1, floats.Max(p.priorities))
		}
		return nil
	})
}

// Helper methods. Callers must hold p.base.mu.

func (p *PrioritizedReplay) scaledPriorities() []float64 {
	w := make([]float64, len(p.priorities))
	for i, pr := range p.priorities {
		w[i] = math.Pow(pr+p.epsilon, p.alpha)
	}
	return w
}

func (p *PrioritizedReplay) dropHead(n int) {
	for i := 0; i < n; i++ {
		p.priorities = removeAt(p.priorities, 0)
	}
}
