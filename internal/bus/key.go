// Conversation key builder and parser.
//
// Keys group the messages that are coalesced together:
//
//	conv:{agentId}:{channel}:{kind}:{chatId}
//
// Examples:
//
//	conv:default:whatsapp:direct:5511999990000
//	conv:sales:facebook:group:1234567890
//
// Callers that already own a stable conversation id may pass it verbatim;
// the coordinator treats every key as opaque.
package bus

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

const keyPrefix = "conv"

// BuildConversationKey builds the canonical conversation key for a channel chat.
// An empty kind defaults to direct.
func BuildConversationKey(agentID, channel string, kind PeerKind, chatID string) string {
	if kind == "" {
		kind = PeerDirect
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", keyPrefix, agentID, channel, kind, chatID)
}

// ConversationKeyParts is the decoded form of a canonical key.
type ConversationKeyParts struct {
	AgentID string
	Channel string
	Kind    PeerKind
	ChatID  string
}

// ParseConversationKey decodes a canonical key. ok is false for opaque keys.
// The chat id may itself contain colons.
func ParseConversationKey(key string) (ConversationKeyParts, bool) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 || parts[0] != keyPrefix {
		return ConversationKeyParts{}, false
	}
	kind := PeerKind(parts[3])
	if kind != PeerDirect && kind != PeerGroup {
		return ConversationKeyParts{}, false
	}
	if parts[1] == "" || parts[2] == "" || parts[4] == "" {
		return ConversationKeyParts{}, false
	}
	return ConversationKeyParts{AgentID: parts[1], Channel: parts[2], Kind: kind, ChatID: parts[4]}, true
}

// ValidKey reports whether key can be used as a buffer key.
func ValidKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && len(key) <= 512
}
