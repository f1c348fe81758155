package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/expreplay/internal/checkpoint"
	"github.com/cartridge/expreplay/internal/events"
	"github.com/cartridge/expreplay/internal/metrics"
	"github.com/cartridge/expreplay/internal/storage"
)

var (
	ErrNotFound            = errors.New("transition not found")
	ErrUnsupported         = errors.New("operation not supported by this memory")
	ErrCheckpointsDisabled = errors.New("checkpoints are disabled")
)

// CheckpointStore is the subset of checkpoint.Store the service needs
type CheckpointStore interface {
	Save(ctx context.Context, record checkpoint.Record) (checkpoint.Record, error)
	Load(ctx context.Context, name string) (checkpoint.Record, error)
	List(ctx context.Context) ([]checkpoint.Record, error)
}

// ReplayService exposes a replay memory to rollout workers and learners
type ReplayService struct {
	memory      storage.Memory
	checkpoints CheckpointStore
	publisher   events.Publisher
	metrics     *metrics.Collector
	logger      *zerolog.Logger
	defaultBeta float64
	now         func() time.Time
}

// StoreResult describes a stored batch
type StoreResult struct {
	IDs    []string `json:"ids"`
	Length int      `json:"length"`
}

// SampleResult is a learner batch. Indices are only set for prioritized memories.
type SampleResult struct {
	Transitions    []*storage.Transition `json:"transitions"`
	Indices        []int                 `json:"indices,omitempty"`
	Weights        []float64             `json:"weights"`
	TotalAvailable int                   `json:"total_available"`
}

// Stats is a point-in-time view of the memory
type Stats struct {
	Length         int      `json:"length"`
	NumTransitions int      `json:"num_transitions"`
	TotalStored    uint64   `json:"total_stored"`
	Limit          int      `json:"limit"`
	Granularity    string   `json:"granularity"`
	Prioritized    bool     `json:"prioritized"`
	MeanReward     *float64 `json:"mean_reward,omitempty"`
}

// NewReplayService creates a new ReplayService
func NewReplayService(memory storage.Memory, collector *metrics.Collector, logger *zerolog.Logger) *ReplayService {
	return &ReplayService{
		memory:    memory,
		publisher: events.NoopPublisher{},
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// WithPublisher fans memory and checkpoint events out through publisher
func (s *ReplayService) WithPublisher(publisher events.Publisher) *ReplayService {
	s.publisher = publisher
	return s
}

// WithCheckpoints enables checkpoint operations backed by store
func (s *ReplayService) WithCheckpoints(store CheckpointStore) *ReplayService {
	s.checkpoints = store
	return s
}

// WithDefaultBeta sets the importance sampling exponent used when a request omits it
func (s *ReplayService) WithDefaultBeta(beta float64) *ReplayService {
	s.defaultBeta = beta
	return s
}

// CheckpointsEnabled reports whether a checkpoint store is configured
func (s *ReplayService) CheckpointsEnabled() bool {
	return s.checkpoints != nil
}

// Length returns the number of transitions currently held
func (s *ReplayService) Length() int {
	return s.memory.Length()
}

// StoreBatch stores transitions in order, assigning each an ID
func (s *ReplayService) StoreBatch(ctx context.Context, transitions []*storage.Transition) (StoreResult, error) {
	if err := ctx.Err(); err != nil {
		return StoreResult{}, err
	}
	for i, t := range transitions {
		if t == nil {
			return StoreResult{}, fmt.Errorf("%w: transition %d is null", storage.ErrInvalidArgument, i)
		}
	}

	ids := make([]string, 0, len(transitions))
	for _, t := range transitions {
		s.memory.Store(t)
		ids = append(ids, t.ID)
	}
	length := s.memory.Length()
	s.metrics.TransitionsStored(len(ids), length, s.memory.TotalStored())

	return StoreResult{IDs: ids, Length: length}, nil
}

// Sample draws a batch. Prioritized memories use beta, or the default when
// beta is nil; other memories return unit weights.
func (s *ReplayService) Sample(ctx context.Context, size int, beta *float64) (SampleResult, error) {
	if err := ctx.Err(); err != nil {
		return SampleResult{}, err
	}
	start := s.now()

	var result SampleResult
	var err error
	prioritized, ok := s.memory.(storage.PrioritizedMemory)
	if ok {
		b := s.defaultBeta
		if beta != nil {
			b = *beta
		}
		var batch storage.PrioritizedBatch
		batch, err = prioritized.SamplePrioritized(size, b)
		result = SampleResult{Transitions: batch.Transitions, Indices: batch.Indices, Weights: batch.Weights}
	} else {
		result.Transitions, err = s.memory.Sample(size)
		result.Weights = make([]float64, len(result.Transitions))
		for i := range result.Weights {
			result.Weights[i] = 1.0
		}
	}
	result.TotalAvailable = s.memory.Length()

	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEmptyMemory):
			s.metrics.SampleRejected(size, result.TotalAvailable, "empty")
		case errors.Is(err, storage.ErrInsufficientTransitions):
			s.metrics.SampleRejected(size, result.TotalAvailable, "insufficient")
		}
		return SampleResult{}, err
	}

	s.metrics.BatchSampled(len(result.Transitions), ok, s.now().Sub(start))
	return result, nil
}

// Get returns a copy of the transition at index
func (s *ReplayService) Get(ctx context.Context, index int) (*storage.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := s.memory.Get(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return t, nil
}

// Remove deletes the transition at index; out of range indices are ignored
func (s *ReplayService) Remove(ctx context.Context, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.memory.Remove(index)
	return nil
}

// UpdateLastInfo merges info into the most recently stored transition
func (s *ReplayService) UpdateLastInfo(ctx context.Context, info map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memory.UpdateLastTransitionInfo(info)
}

// UpdatePriorities sets new priorities for previously sampled indices
func (s *ReplayService) UpdatePriorities(ctx context.Context, indices []int, priorities []float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prioritized, ok := s.memory.(storage.PrioritizedMemory)
	if !ok {
		return 0, ErrUnsupported
	}
	return prioritized.UpdatePriorities(indices, priorities)
}

// Clean empties the memory
func (s *ReplayService) Clean(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.memory.Clean()
	s.logger.Info().Msg("Replay memory cleaned")
	s.publish(s.publisher.PublishMemoryEvent(ctx, events.MemoryEvent{
		Event:       events.EventCleaned,
		TotalStored: s.memory.TotalStored(),
	}))
	return nil
}

// Stats reports occupancy and the mean reward when the memory is not empty
func (s *ReplayService) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	maxSize := s.memory.MaxSize()
	_, prioritized := s.memory.(storage.PrioritizedMemory)
	stats := Stats{
		Length:         s.memory.Length(),
		NumTransitions: s.memory.NumTransitions(),
		TotalStored:    s.memory.TotalStored(),
		Limit:          maxSize.Limit,
		Granularity:    maxSize.Granularity.String(),
		Prioritized:    prioritized,
	}

	mean, err := s.memory.MeanReward()
	switch {
	case err == nil:
		stats.MeanReward = &mean
	case !errors.Is(err, storage.ErrEmptyMemory):
		return Stats{}, err
	}
	return stats, nil
}

// SaveCheckpoint snapshots the memory under name
func (s *ReplayService) SaveCheckpoint(ctx context.Context, name string) (checkpoint.Record, error) {
	if s.checkpoints == nil {
		return checkpoint.Record{}, ErrCheckpointsDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return checkpoint.Record{}, fmt.Errorf("%w: checkpoint name is required", storage.ErrInvalidArgument)
	}

	start := s.now()
	length := s.memory.Length()
	payload, err := s.memory.MarshalBinary()
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("snapshot memory: %w", err)
	}

	record, err := s.checkpoints.Save(ctx, checkpoint.Record{
		Name:        name,
		Transitions: length,
		Payload:     payload,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return checkpoint.Record{}, err
	}
	record.Payload = nil

	s.metrics.CheckpointSaved(record.Name, record.Transitions, record.SizeBytes, s.now().Sub(start))
	s.publish(s.publisher.PublishCheckpointEvent(ctx, events.CheckpointEvent{
		Event:       events.EventSaved,
		Name:        record.Name,
		Transitions: record.Transitions,
		SizeBytes:   record.SizeBytes,
	}))
	return record, nil
}

// RestoreCheckpoint replaces the memory contents with a saved checkpoint
func (s *ReplayService) RestoreCheckpoint(ctx context.Context, name string) (Stats, error) {
	if s.checkpoints == nil {
		return Stats{}, ErrCheckpointsDisabled
	}

	start := s.now()
	record, err := s.checkpoints.Load(ctx, strings.TrimSpace(name))
	if err != nil {
		return Stats{}, err
	}
	if err := s.memory.UnmarshalBinary(record.Payload); err != nil {
		return Stats{}, fmt.Errorf("restore checkpoint %s: %w", record.Name, err)
	}

	length := s.memory.Length()
	s.metrics.CheckpointRestored(record.Name, length, s.now().Sub(start))
	s.publish(s.publisher.PublishCheckpointEvent(ctx, events.CheckpointEvent{
		Event:       events.EventRestored,
		Name:        record.Name,
		Transitions: length,
		SizeBytes:   record.SizeBytes,
	}))
	return s.Stats(ctx)
}

// ListCheckpoints returns saved checkpoint metadata, newest first
func (s *ReplayService) ListCheckpoints(ctx context.Context) ([]checkpoint.Record, error) {
	if s.checkpoints == nil {
		return nil, ErrCheckpointsDisabled
	}
	return s.checkpoints.List(ctx)
}

// RunAutoCheckpoint saves a checkpoint under name every interval until ctx is done
func (s *ReplayService) RunAutoCheckpoint(ctx context.Context, name string, interval time.Duration) error {
	if s.checkpoints == nil || interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SaveCheckpoint(ctx, name); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error().Err(err).Str("name", name).Msg("Automatic checkpoint failed")
			}
		}
	}
}

// Shutdown writes a final checkpoint when checkpoints are enabled
func (s *ReplayService) Shutdown(ctx context.Context, name string) error {
	if s.checkpoints == nil {
		return nil
	}
	record, err := s.SaveCheckpoint(ctx, name)
	if err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	s.logger.Info().
		Str("name", record.Name).
		Int("transitions", record.Transitions).
		Msg("Final checkpoint saved")
	return nil
}

// publish logs event delivery failures; they never fail the operation
func (s *ReplayService) publish(err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish replay event")
	}
}
