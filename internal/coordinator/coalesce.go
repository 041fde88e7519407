package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

// coalesce joins a drained buffer into one batch. The first message supplies
// the agent and metadata for the whole batch.
func coalesce(key string, msgs []bus.BufferedMessage) *bus.Batch {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	first, last := msgs[0], msgs[len(msgs)-1]
	return &bus.Batch{
		ConversationKey: key,
		AgentID:         first.AgentID,
		CombinedText:    strings.Join(texts, "\n"),
		Metadata:        first.Metadata,
		MessageCount:    len(msgs),
		FirstAt:         first.EnqueuedAt,
		LastAt:          last.EnqueuedAt,
	}
}

func requestFor(b *bus.Batch) bus.DispatchRequest {
	return bus.DispatchRequest{
		AgentID:         b.AgentID,
		CombinedText:    b.CombinedText,
		ConversationKey: b.ConversationKey,
		VisitorID:       b.Metadata[bus.MetaVisitorID],
		Metadata:        b.Metadata,
	}
}

func encodeTrigger(key string) ([]byte, error) {
	return json.Marshal(bus.TriggerPayload{ConversationKey: key})
}

// DecodeTrigger parses a drain-conversation payload.
func DecodeTrigger(data []byte) (bus.TriggerPayload, error) {
	var p bus.TriggerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if strings.TrimSpace(p.ConversationKey) == "" {
		return p, fmt.Errorf("%w: missing conversation_key", ErrBadPayload)
	}
	if p.Batch != nil && p.Batch.ConversationKey != p.ConversationKey {
		return p, fmt.Errorf("%w: batch key %q does not match %q", ErrBadPayload, p.Batch.ConversationKey, p.ConversationKey)
	}
	return p, nil
}
