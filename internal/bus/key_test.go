package bus

import (
	"strings"
	"testing"
)

func TestBuildConversationKey(t *testing.T) {
	tests := []struct {
		agent, channel string
		kind           PeerKind
		chat           string
		want           string
	}{
		{"default", "whatsapp", PeerDirect, "5511", "conv:default:whatsapp:direct:5511"},
		{"sales", "facebook", PeerGroup, "99", "conv:sales:facebook:group:99"},
		{"a", "web", "", "v-1", "conv:a:web:direct:v-1"},
	}
	for _, tt := range tests {
		got := BuildConversationKey(tt.agent, tt.channel, tt.kind, tt.chat)
		if got != tt.want {
			t.Errorf("BuildConversationKey(%q, %q, %q, %q) = %q, want %q", tt.agent, tt.channel, tt.kind, tt.chat, got, tt.want)
		}
	}
}

func TestParseConversationKey(t *testing.T) {
	p, ok := ParseConversationKey("conv:default:crm:group:room:7")
	if !ok {
		t.Fatal("expected canonical key to parse")
	}
	if p.AgentID != "default" || p.Channel != "crm" || p.Kind != PeerGroup || p.ChatID != "room:7" {
		t.Errorf("unexpected parts: %+v", p)
	}

	for _, key := range []string{"", "c1", "conv:a:b:direct", "conv:a:b:weird:1", "conv::b:direct:1", "agent:a:b:direct:1"} {
		if _, ok := ParseConversationKey(key); ok {
			t.Errorf("ParseConversationKey(%q) ok = true, want false", key)
		}
	}
}

func TestValidKey(t *testing.T) {
	if ValidKey("   ") {
		t.Error("blank key should be invalid")
	}
	if !ValidKey("c1") {
		t.Error("c1 should be valid")
	}
	if ValidKey(strings.Repeat("k", 513)) {
		t.Error("oversized key should be invalid")
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	var got []string
	h.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	h.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })
	h.Broadcast(Event{Name: "x"})
	if len(got) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(got))
	}
	h.Unsubscribe("a")
	got = nil
	h.Broadcast(Event{Name: "y"})
	if len(got) != 1 || got[0] != "b:y" {
		t.Errorf("got %v, want [b:y]", got)
	}
	if h.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", h.Subscribers())
	}
}
