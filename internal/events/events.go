// Package events publishes task lifecycle notifications so other services
// can react to albums being created, finished or failed.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	// TypeCreated is published when an upload becomes a pending task.
	TypeCreated Type = "task.created"
	// TypeProcessing is published when frame extraction starts.
	TypeProcessing Type = "task.processing"
	// TypeCompleted is published when every frame has been converted.
	TypeCompleted Type = "task.completed"
	// TypeFailed is published when processing stops on an error.
	TypeFailed Type = "task.failed"
	// TypeDeleted is published when an album is removed.
	TypeDeleted Type = "task.deleted"
)

// Event is the payload published for a task status change.
type Event struct {
	Type        Type      `json:"type"`
	TaskID      string    `json:"task_id"`
	DataSource  string    `json:"data_source"`
	Status      string    `json:"status,omitempty"`
	TotalFrames int       `json:"total_frames,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher delivers task events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
