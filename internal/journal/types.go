package journal

import (
	"encoding/json"
	"time"
)

const (
	// StreamFrames records every classified stream event.
	StreamFrames = "frames"
	// StreamMessages records a message snapshot after each mutation.
	StreamMessages = "messages"
	// StreamTasks records task channel states and merged payloads.
	StreamTasks = "tasks"
)

var Streams = []string{StreamFrames, StreamMessages, StreamTasks}

// Entry is one journaled record. ScopeID is the message or task id it is
// about.
type Entry struct {
	ID        string          `json:"id"`
	Stream    string          `json:"stream"`
	ScopeID   string          `json:"scope_id"`
	Subject   string          `json:"subject,omitempty"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

type Summary struct {
	ID        string    `json:"id"`
	Stream    string    `json:"stream"`
	ScopeID   string    `json:"scope_id"`
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Input struct {
	Stream  string
	ScopeID string
	Subject string
	// Body is encoded as JSON.
	Body any
}

type ListOptions struct {
	ScopeID string
	Limit   int
	Order   string
}

// DefaultOrder is fifo for frames, which read as a transcript, and lifo
// otherwise.
func DefaultOrder(stream string) string {
	if stream == StreamFrames {
		return "fifo"
	}
	return "lifo"
}
