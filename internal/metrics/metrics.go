package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Collector emits replay memory metrics as structured log events
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Track stored batches and the resulting occupancy
func (c *Collector) TransitionsStored(count int, length int, totalStored uint64) {
	c.logger.Debug().
		Str("metric", "transitions_stored").
		Int("count", count).
		Int("length", length).
		Uint64("total_stored", totalStored).
		Msg("Transitions stored metric")
}

// Track learner batches
func (c *Collector) BatchSampled(size int, prioritized bool, duration time.Duration) {
	c.logger.Debug().
		Str("metric", "batch_sampled").
		Int("size", size).
		Bool("prioritized", prioritized).
		Dur("duration", duration).
		Msg("Batch sampled metric")
}

// Track sample requests the memory could not serve yet
func (c *Collector) SampleRejected(size int, length int, reason string) {
	c.logger.Info().
		Str("metric", "sample_rejected").
		Int("size", size).
		Int("length", length).
		Str("reason", reason).
		Msg("Sample rejected metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}

// Track checkpoint writes
func (c *Collector) CheckpointSaved(name string, transitions int, sizeBytes int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "checkpoint_saved").
		Str("name", name).
		Int("transitions", transitions).
		Int("size_bytes", sizeBytes).
		Dur("duration", duration).
		Msg("Checkpoint saved metric")
}

// Track checkpoint restores
func (c *Collector) CheckpointRestored(name string, transitions int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "checkpoint_restored").
		Str("name", name).
		Int("transitions", transitions).
		Dur("duration", duration).
		Msg("Checkpoint restored metric")
}

// Track health state changes
func (c *Collector) HealthChanged(service string, serving bool, length int) {
	c.logger.Warn().
		Str("metric", "health_changed").
		Str("service", service).
		Bool("serving", serving).
		Int("length", length).
		Msg("Health status change")
}
