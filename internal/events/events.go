package events

import "context"

const (
	EventCleaned       = "cleaned"
	EventHealthChanged = "health_changed"
	EventSaved         = "saved"
	EventRestored      = "restored"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishMemoryEvent(ctx context.Context, payload MemoryEvent) error
	PublishCheckpointEvent(ctx context.Context, payload CheckpointEvent) error
}

// MemoryEvent is emitted when the memory is cleaned or its health flips.
type MemoryEvent struct {
	Event       string `json:"event"`
	Length      int    `json:"length"`
	TotalStored uint64 `json:"total_stored"`
	Serving     *bool  `json:"serving,omitempty"`
}

// CheckpointEvent tracks checkpoint saves and restores.
type CheckpointEvent struct {
	Event       string `json:"event"`
	Name        string `json:"name"`
	Transitions int    `json:"transitions"`
	SizeBytes   int    `json:"size_bytes,omitempty"`
}

// NoopPublisher drops every event; useful for tests.
type NoopPublisher struct{}

// PublishMemoryEvent satisfies Publisher.
func (NoopPublisher) PublishMemoryEvent(context.Context, MemoryEvent) error { return nil }

// PublishCheckpointEvent satisfies Publisher.
func (NoopPublisher) PublishCheckpointEvent(context.Context, CheckpointEvent) error { return nil }
