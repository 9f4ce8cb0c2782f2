package supervisor

import (
	"time"

	"github.com/Paintersrp/procsup/internal/runtime"
)

// EventType captures lifecycle notifications about supervised launches.
type EventType string

const (
	EventTypeLaunched   EventType = "launched"
	EventTypeExited     EventType = "exited"
	EventTypeTerminated EventType = "terminated"
)

// Event is a single lifecycle notification.
type Event struct {
	Timestamp   time.Time           `json:"ts"`
	Type        EventType           `json:"type"`
	LaunchID    string              `json:"launch_id"`
	PID         int                 `json:"pid"`
	Command     string              `json:"command,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Message     string              `json:"message,omitempty"`
	Correlation runtime.Correlation `json:"correlation"`
}

// sendEvent never blocks; a full channel drops the event.
func sendEvent(events chan<- Event, evt Event) bool {
	if events == nil {
		return false
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case events <- evt:
		return true
	default:
		return false
	}
}
