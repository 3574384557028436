package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType tags the kind of deferred work an action carries.
type ActionType string

const (
	ActionStatusUpdate   ActionType = "status_update"
	ActionNoteAdd        ActionType = "note_add"
	ActionPhotoUpload    ActionType = "photo_upload"
	ActionLocationUpdate ActionType = "location_update"
	ActionTimeTracking   ActionType = "time_tracking"
)

// KnownActionTypes lists the built-in action types in a stable order.
var KnownActionTypes = []ActionType{
	ActionStatusUpdate,
	ActionNoteAdd,
	ActionPhotoUpload,
	ActionLocationUpdate,
	ActionTimeTracking,
}

// ActionStatus is the lifecycle state of a queued action. Completed actions
// are removed from the queue, so there is no completed status.
type ActionStatus string

const (
	StatusPending ActionStatus = "pending"
	StatusSyncing ActionStatus = "syncing"
	StatusFailed  ActionStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ActionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed:
		return true
	default:
		return false
	}
}

// QueuedAction is one durable unit of deferred work.
type QueuedAction struct {
	ID          string          `json:"id"`
	Type        ActionType      `json:"type"`
	TargetID    string          `json:"target_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Status      ActionStatus    `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with a.
func (a QueuedAction) Clone() QueuedAction {
	out := a
	if a.Payload != nil {
		out.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}

// Exhausted reports whether the retry budget is used up.
func (a QueuedAction) Exhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// DueAt reports whether an automatic retry may dispatch the action at now.
func (a QueuedAction) DueAt(now time.Time) bool {
	return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
}

// Validate checks the structural fields a persisted action must carry.
func (a QueuedAction) Validate() error {
	if a.ID == "" {
		return errors.New("action id is empty")
	}
	if a.Type == "" {
		return fmt.Errorf("action %s: type is empty", a.ID)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("action %s: unknown status %q", a.ID, a.Status)
	}
	if a.RetryCount < 0 || a.MaxRetries <= 0 {
		return fmt.Errorf("action %s: invalid retry counters %d/%d", a.ID, a.RetryCount, a.MaxRetries)
	}
	return nil
}

// DecodePayload unmarshals the action payload into out.
func (a QueuedAction) DecodePayload(out any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s: payload is empty", a.ID)
	}
	if err := json.Unmarshal(a.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}

// StatusUpdatePayload changes the status of a work order.
type StatusUpdatePayload struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// NotePayload appends a note to a work order.
type NotePayload struct {
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

// PhotoPayload uploads a photo taken in the field. Data is base64 in JSON.
type PhotoPayload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
	Caption     string `json:"caption,omitempty"`
}

// LocationPayload records a technician position.
type LocationPayload struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Time tracking events.
const (
	TimeEventStart  = "start"
	TimeEventPause  = "pause"
	TimeEventResume = "resume"
	TimeEventStop   = "stop"
)

// TimeTrackingPayload records a work timer event on a work order.
type TimeTrackingPayload struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// NewAction describes an intent to enqueue. Payload is any JSON-encodable
// value; MaxRetries falls back to the queue default when zero.
type NewAction struct {
	Type       ActionType `json:"type"`
	TargetID   string     `json:"target_id"`
	Payload    any        `json:"payload,omitempty"`
	MaxRetries int        `json:"max_retries,omitempty"`
}
