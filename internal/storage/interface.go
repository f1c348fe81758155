package storage

import (
	"fmt"
	"strings"
	"time"
)

// Transition represents a single environment step held by a memory
type Transition struct {
	ID        string         `json:"id"`
	EpisodeID string         `json:"episode_id,omitempty"`
	State     []byte         `json:"state"`
	Action    []byte         `json:"action"`
	NextState []byte         `json:"next_state"`
	Reward    float64        `json:"reward"`
	GameOver  bool           `json:"game_over"`
	Info      map[string]any `json:"info"`
	Timestamp time.Time      `json:"timestamp"`
}

// clone copies the transition and its info map. Byte slices are shared since
// the memory never writes to them.
func (t *Transition) clone() *Transition {
	c := *t
	c.Info = make(map[string]any, len(t.Info))
	for k, v := range t.Info {
		c.Info[k] = v
	}
	return &c
}

// Granularity is the unit a memory bound is expressed in
type Granularity int

const (
	GranularityTransitions Granularity = iota
	GranularityEpisodes
)

func (g Granularity) String() string {
	switch g {
	case GranularityTransitions:
		return "transitions"
	case GranularityEpisodes:
		return "episodes"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity maps a configuration value to a Granularity
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transitions":
		return GranularityTransitions, nil
	case "episodes":
		return GranularityEpisodes, nil
	default:
		return 0, fmt.Errorf("%w: unknown granularity %q", ErrConfiguration, s)
	}
}

// MaxSize bounds a memory. A zero Limit means unbounded.
type MaxSize struct {
	Granularity Granularity `json:"granularity"`
	Limit       int         `json:"limit"`
}

// Transitions returns a transition-count bound
func Transitions(limit int) MaxSize {
	return MaxSize{Granularity: GranularityTransitions, Limit: limit}
}

// Memory defines the operations shared by replay memory implementations
type Memory interface {
	// Store appends a transition, evicting the oldest ones past the bound
	Store(transition *Transition)

	// Sample draws a batch from the full current contents
	Sample(size int) ([]*Transition, error)

	// Get returns the transition at index, or false if there is none
	Get(index int) (*Transition, bool)

	// Remove deletes the transition at index; out of range is a no-op
	Remove(index int)

	// UpdateLastTransitionInfo merges info into the most recent transition
	UpdateLastTransitionInfo(info map[string]any) error

	// Clean removes every transition
	Clean()

	// MeanReward averages the reward over all stored transitions
	MeanReward() (float64, error)

	Length() int
	NumTransitions() int
	TotalStored() uint64
	MaxSize() MaxSize

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// PrioritizedBatch is the result of a prioritized sample
type PrioritizedBatch struct {
	Transitions []*Transition
	Indices     []int
	Weights     []float64
}

// PrioritizedMemory is a Memory that samples proportionally to priorities
type PrioritizedMemory interface {
	Memory

	SamplePrioritized(size int, beta float64) (PrioritizedBatch, error)
	UpdatePriorities(indices []int, priorities []float64) (int, error)
}

var (
	_ Memory            = (*ExperienceReplay)(nil)
	_ PrioritizedMemory = (*PrioritizedReplay)(nil)
)
