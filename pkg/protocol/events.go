package protocol

import "time"

// ProtocolVersion is bumped whenever the event frame or a payload shape changes
// in a way clients must notice.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventShutdown = "shutdown"

	// Coordinator lifecycle events (payload: bus.CoordinatorEvent).
	EventMessageBuffered = "message.buffered"
	EventBatchDispatched = "batch.dispatched"
	EventDispatchFailed  = "dispatch.failed"
	EventTriggerRearmed  = "trigger.rearmed"

	// Job queue events (payload: bus.JobEvent).
	EventJobExhausted = "job.exhausted"
	EventJobIgnored   = "job.ignored"
)

// EventFrame is the envelope written to WebSocket subscribers.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
	Time    time.Time   `json:"time"`
}

// NewEvent builds an event frame stamped with the current time.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload, Time: time.Now().UTC()}
}
