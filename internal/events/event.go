package events

import (
	"fmt"
	"strings"
)

// Type is the kind of a normalized generation event.
type Type string

const (
	TypeConnected    Type = "connected"
	TypeQueued       Type = "queued"
	TypeStarted      Type = "started"
	TypeInitiating   Type = "initiating"
	TypeProgress     Type = "progress"
	TypePreview      Type = "preview"
	TypeJobCompleted Type = "jobCompleted"
	TypeJobFailed    Type = "jobFailed"
	TypeCompleted    Type = "completed"
	TypeFailed       Type = "failed"
	TypeError        Type = "error"
)

// Event is the transport-independent record every adapter produces. Optional
// numeric fields are pointers so that "absent" and "zero" stay distinct on
// the wire.
type Event struct {
	Type          Type     `json:"type"`
	ProjectID     string   `json:"projectId"`
	JobID         string   `json:"jobId,omitempty"`
	JobIndex      *int     `json:"jobIndex,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	Step          int      `json:"step,omitempty"`
	StepCount     int      `json:"stepCount,omitempty"`
	QueuePosition *int     `json:"queuePosition,omitempty"`
	PreviewURL    string   `json:"previewUrl,omitempty"`
	ResultURL     string   `json:"resultUrl,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	ImageURLs     []string `json:"imageUrls,omitempty"`
	WorkerName    string   `json:"workerName,omitempty"`
	ETA           float64  `json:"eta,omitempty"`
	IsNSFW        bool     `json:"isNSFW,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Steps         int      `json:"steps,omitempty"`
	Cost          float64  `json:"cost,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
	ErrorCode     string   `json:"errorCode,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// IsTerminal reports whether e ends the project.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case TypeCompleted:
		return true
	case TypeFailed, TypeError:
		return e.JobID == ""
	}
	return false
}

// Key identifies an event for deduplication across reconnects and replays.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.Type, e.JobID, e.Step, e.ProjectID)
}

// SSEName is the event name written on the SSE wire.
func (e Event) SSEName() string {
	switch e.Type {
	case TypeCompleted:
		return "complete"
	case TypeFailed:
		if e.JobID == "" {
			return "error"
		}
		return string(TypeJobFailed)
	case TypeStarted, TypeInitiating:
		return string(TypeProgress)
	}
	return string(e.Type)
}

// ParseSSEName maps a wire event name back to a Type. The JSON body's own
// type field wins when present.
func ParseSSEName(name string) Type {
	switch strings.TrimSpace(name) {
	case "complete":
		return TypeCompleted
	case "":
		return ""
	}
	return Type(strings.TrimSpace(name))
}

// ForWire fills the imageUrl convenience field on completion events from
// resultUrl or the first of imageUrls.
func (e Event) ForWire() Event {
	switch e.Type {
	case TypeJobCompleted, TypeCompleted:
		if e.ImageURL == "" {
			if e.ResultURL != "" {
				e.ImageURL = e.ResultURL
			} else if len(e.ImageURLs) > 0 {
				e.ImageURL = e.ImageURLs[0]
			}
		}
	}
	return e
}

// Float is a helper for optional progress values.
func Float(v float64) *float64 { return &v }

// Int is a helper for optional integer values.
func Int(v int) *int { return &v }
