package coordinator

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

func TestCoalesce(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	msgs := []bus.BufferedMessage{
		{AgentID: "agent-a", Text: "hello", Metadata: map[string]string{bus.MetaVisitorID: "v1"}, EnqueuedAt: t0},
		{AgentID: "agent-b", Text: "", Metadata: map[string]string{bus.MetaVisitorID: "v2"}, EnqueuedAt: t0.Add(time.Second)},
		{AgentID: "agent-c", Text: "world", EnqueuedAt: t0.Add(2 * time.Second)},
	}
	b := coalesce("k", msgs)
	if b.CombinedText != "hello\n\nworld" {
		t.Errorf("CombinedText = %q", b.CombinedText)
	}
	if b.AgentID != "agent-a" || b.Metadata[bus.MetaVisitorID] != "v1" {
		t.Errorf("batch context = %s / %v, want first message's", b.AgentID, b.Metadata)
	}
	if b.MessageCount != 3 || !b.FirstAt.Equal(t0) || !b.LastAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("batch = %+v", b)
	}
	req := requestFor(b)
	if req.VisitorID != "v1" || req.ConversationKey != "k" {
		t.Errorf("request = %+v", req)
	}
}

func TestHintMap(t *testing.T) {
	h := newHintMap()
	if prev := h.swap("k", "j1"); prev != "" {
		t.Errorf("first swap prev = %q", prev)
	}
	if prev := h.swap("k", "j2"); prev != "j1" {
		t.Errorf("swap prev = %q, want j1", prev)
	}
	if h.clearIf("k", "j1") {
		t.Error("clearIf removed a newer hint")
	}
	if !h.clearIf("k", "j2") {
		t.Error("clearIf kept a matching hint")
	}
	h.swap("b", "x")
	h.swap("a", "y")
	if got := h.keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("keys = %v", got)
	}
	if id := h.clear("a"); id != "y" {
		t.Errorf("clear = %q, want y", id)
	}
	if _, ok := h.get("a"); ok {
		t.Error("hint survived clear")
	}
}
