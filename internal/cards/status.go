package cards

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type TaskStatus string

const (
	StatusAccepted TaskStatus = "accepted"
	StatusRunning  TaskStatus = "running"
	StatusDone     TaskStatus = "done"
	StatusFailed   TaskStatus = "failed"
)

var ErrInvalidStatusTransition = errors.New("invalid task status transition")

type StatusTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusAccepted, StatusRunning, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is absorbing: done and failed accept no further
// transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// TaskUpdate is one inbound message on a task liveness channel. Empty fields
// are treated as absent.
type TaskUpdate struct {
	TaskID          string          `json:"task_id"`
	Status          TaskStatus      `json:"status,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Message         string          `json:"message,omitempty"`
	ResultURL       string          `json:"result_url,omitempty"`
	TranslationText string          `json:"translation_text,omitempty"`
}

// Merge overlays the fields present in u onto p. A status change out of a
// terminal state, or to an unknown status, is rejected with an error while the
// remaining fields are still applied.
func (p TaskPayload) Merge(taskID string, u TaskUpdate) (TaskPayload, error) {
	out := p
	var err error
	if u.Status != "" && u.Status != p.Status {
		switch {
		case !u.Status.Valid(), p.Status.Terminal():
			err = &StatusTransitionError{TaskID: taskID, From: p.Status, To: u.Status}
		default:
			out.Status = u.Status
		}
	}
	if present(u.Result) {
		out.Result = cloneRaw(u.Result)
	}
	if u.Message != "" {
		out.Message = u.Message
	}
	if u.ResultURL != "" {
		out.ResultURL = u.ResultURL
	}
	if u.TranslationText != "" {
		out.TranslationText = u.TranslationText
	}
	return out, err
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
