package bus

import "time"

// BufferedMessage is one inbound message waiting in a conversation buffer.
type BufferedMessage struct {
	ConversationKey string            `json:"conversation_key"`
	AgentID         string            `json:"agent_id"`
	Text            string            `json:"text"`
	Metadata        map[string]string `json:"metadata,omitempty"` // opaque; passed through to the pipeline
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}

// Batch is the coalesced result of one drain.
type Batch struct {
	ConversationKey string            `json:"conversation_key"`
	AgentID         string            `json:"agent_id"`
	CombinedText    string            `json:"combined_text"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	MessageCount    int               `json:"message_count"`
	FirstAt         time.Time         `json:"first_at"`
	LastAt          time.Time         `json:"last_at"`
}

// MetaVisitorID is the metadata field forwarded as DispatchRequest.VisitorID.
const MetaVisitorID = "visitor_id"

// DispatchRequest is the body sent to the downstream chat pipeline.
type DispatchRequest struct {
	AgentID         string            `json:"agent_id"`
	CombinedText    string            `json:"combined_text"`
	ConversationKey string            `json:"conversation_key"`
	VisitorID       string            `json:"visitor_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DispatchResult is the downstream pipeline's acknowledgement.
type DispatchResult struct {
	DispatchID      string `json:"dispatch_id"`
	ConversationKey string `json:"conversation_key"`
	Status          string `json:"status"`
}

// TriggerPayload is the JSON body of a drain-conversation job.
// Batch is set only when a failed dispatch is carried into a retry.
type TriggerPayload struct {
	ConversationKey string `json:"conversation_key"`
	Batch           *Batch `json:"batch,omitempty"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // protocol.Event* constant
	Payload interface{} `json:"payload,omitempty"`
}

// CoordinatorEvent is the payload of coordinator lifecycle events.
type CoordinatorEvent struct {
	ConversationKey string `json:"conversation_key"`
	JobID           string `json:"job_id,omitempty"`
	Messages        int    `json:"messages,omitempty"`
	DispatchID      string `json:"dispatch_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// JobEvent is the payload of job queue events.
type JobEvent struct {
	JobID   string `json:"job_id"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the HTTP server and the coordinator to decouple from the concrete Hub.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
