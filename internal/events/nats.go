package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("replay"))
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(conn, subject, logger), nil
}

func newNATSPublisher(conn Conn, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Close closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// PublishMemoryEvent publishes memory events to NATS. Health changes to not
// serving are also sent to the .unhealthy subject for alerting.
func (n *NATSPublisher) PublishMemoryEvent(ctx context.Context, event MemoryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".memory"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish memory event")
		return err
	}

	if event.Event == EventHealthChanged && event.Serving != nil && !*event.Serving {
		routingKey := n.subject + ".unhealthy"
		if err := n.conn.Publish(routingKey, data); err != nil {
			n.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish to routing key")
		}
	}

	n.logger.Debug().
		Str("event", event.Event).
		Int("length", event.Length).
		Str("subject", subject).
		Msg("Published memory event")

	return nil
}

// PublishCheckpointEvent publishes checkpoint events to NATS
func (n *NATSPublisher) PublishCheckpointEvent(ctx context.Context, event CheckpointEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + ".checkpoints"
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish checkpoint event")
		return err
	}

	n.logger.Debug().
		Str("name", event.Name).
		Str("event", event.Event).
		Str("subject", subject).
		Msg("Published checkpoint event")

	return nil
}
