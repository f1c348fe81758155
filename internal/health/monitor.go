package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cartridge/expreplay/internal/events"
	"github.com/cartridge/expreplay/internal/metrics"
)

// ServiceName is the gRPC health service name reported for the replay memory
const ServiceName = "replay.v1.Replay"

// Config holds health monitoring configuration
type Config struct {
	CheckInterval     time.Duration
	WarmupTransitions int
}

// Occupancy reports how many transitions a memory currently holds
type Occupancy interface {
	Length() int
}

// Monitor runs background health checks
type Monitor struct {
	memory    Occupancy
	health    *health.Server
	publisher events.Publisher
	metrics   *metrics.Collector
	config    Config
	logger    zerolog.Logger

	serving *bool
}

// NewMonitor creates a new health monitor
func NewMonitor(memory Occupancy, healthServer *health.Server, publisher events.Publisher, collector *metrics.Collector, config Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		memory:    memory,
		health:    healthServer,
		publisher: publisher,
		metrics:   collector,
		config:    config,
		logger:    logger,
	}
}

// Start begins the health monitoring loop
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("check_interval", m.config.CheckInterval).
		Int("warmup_transitions", m.config.WarmupTransitions).
		Msg("Starting health monitor")

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check updates the serving status from the current occupancy and reports
// whether the memory is warm.
func (m *Monitor) Check(ctx context.Context) bool {
	length := m.memory.Length()
	serving := length >= m.config.WarmupTransitions

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus(ServiceName, status)

	if m.serving == nil || *m.serving != serving {
		m.metrics.HealthChanged(ServiceName, serving, length)
		m.serving = &serving
		err := m.publisher.PublishMemoryEvent(ctx, events.MemoryEvent{
			Event:   events.EventHealthChanged,
			Length:  length,
			Serving: &serving,
		})
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to publish health change")
		}
	}

	m.logger.Debug().
		Int("length", length).
		Bool("serving", serving).
		Msg("Replay memory occupancy")
	return serving
}
