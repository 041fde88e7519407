package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
)

// MetaMessageID is the metadata field used to drop redelivered messages.
const MetaMessageID = "message_id"

// maxBodyBytes bounds a message request body (text plus metadata).
const maxBodyBytes = 1 << 20

type addMessageRequest struct {
	ConversationKey string            `json:"conversation_key,omitempty"`
	AgentID         string            `json:"agent_id"`
	Channel         string            `json:"channel,omitempty"`
	PeerKind        string            `json:"peer_kind,omitempty"`
	ChatID          string            `json:"chat_id,omitempty"`
	Text            string            `json:"text"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// conversationKey returns the explicit key, or builds one from the channel
// coordinates.
func (req addMessageRequest) conversationKey() (string, error) {
	if req.ConversationKey != "" {
		return req.ConversationKey, nil
	}
	if req.AgentID == "" || req.Channel == "" || req.ChatID == "" {
		return "", errors.New("conversation_key or agent_id, channel and chat_id are required")
	}
	kind := bus.PeerKind(req.PeerKind)
	if kind != "" && kind != bus.PeerDirect && kind != bus.PeerGroup {
		return "", errors.New("peer_kind must be direct or group")
	}
	return bus.BuildConversationKey(req.AgentID, req.Channel, kind, req.ChatID), nil
}

type addMessageResponse struct {
	Status          string `json:"status"` // "buffered" or "duplicate"
	ConversationKey string `json:"conversation_key"`
	JobID           string `json:"job_id,omitempty"`
}

// handleAddMessage is POST /v1/messages.
func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	key, err := req.conversationKey()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bus.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid conversation_key")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if n := utf8.RuneCountInString(req.Text); n > s.cfg.MaxMessageChars {
		writeError(w, http.StatusRequestEntityTooLarge, "text exceeds max_message_chars")
		return
	}

	var dedupeKey string
	if msgID := req.Metadata[MetaMessageID]; msgID != "" {
		dedupeKey = key + "|" + msgID
		if s.dedupe.IsDuplicate(dedupeKey) {
			s.logger.Debug("http: duplicate message dropped", "conversation", key, "message_id", msgID)
			writeJSON(w, http.StatusOK, addMessageResponse{Status: "duplicate", ConversationKey: key})
			return
		}
	}

	// Append and Schedule must both run once started, even if the client hangs up.
	if err := s.coord.AddMessage(context.WithoutCancel(r.Context()), key, req.AgentID, req.Text, req.Metadata); err != nil {
		s.dedupe.Forget(dedupeKey)
		s.logger.Warn("http: add message failed", "conversation", key, "error", err)
		if errors.Is(err, coordinator.ErrStoreUnavailable) || errors.Is(err, coordinator.ErrScheduleFailed) {
			writeError(w, http.StatusServiceUnavailable, "buffer unavailable, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobID, _ := s.coord.PendingTrigger(key)
	writeJSON(w, http.StatusAccepted, addMessageResponse{Status: "buffered", ConversationKey: key, JobID: jobID})
}
