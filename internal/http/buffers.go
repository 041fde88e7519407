package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

type bufferResponse struct {
	ConversationKey string `json:"conversation_key"`
	Size            int    `json:"size"`
	Pending         bool   `json:"pending"`
	PendingJobID    string `json:"pending_job_id,omitempty"`
}

// handleGetBuffer is GET /v1/buffers/{key}. Size is a probe, not a snapshot.
func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !bus.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid conversation key")
		return
	}
	n, err := s.buffers.Size(r.Context(), key)
	if err != nil {
		s.logger.Warn("http: buffer size failed", "conversation", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "buffer unavailable")
		return
	}
	jobID, pending := s.coord.PendingTrigger(key)
	writeJSON(w, http.StatusOK, bufferResponse{ConversationKey: key, Size: n, Pending: pending, PendingJobID: jobID})
}

type flushResponse struct {
	ConversationKey string `json:"conversation_key"`
	Dispatched      bool   `json:"dispatched"`
	Messages        int    `json:"messages"`
	DispatchID      string `json:"dispatch_id,omitempty"`
}

// handleFlush is POST /v1/buffers/{key}/flush: drain and dispatch now.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !bus.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid conversation key")
		return
	}
	out, err := s.coord.DrainAndDispatch(r.Context(), key)
	if err != nil {
		var derr *coordinator.DispatchError
		if errors.As(err, &derr) {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":      err.Error(),
				"messages":   derr.Batch.MessageCount,
				"handed_off": true,
			})
			return
		}
		if errors.Is(err, coordinator.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "buffer unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := flushResponse{ConversationKey: key}
	if out != nil {
		resp.Dispatched = true
		resp.Messages = out.Batch.MessageCount
		if out.Result != nil {
			resp.DispatchID = out.Result.DispatchID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs is GET /v1/jobs?status=failed,scheduled&limit=50.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "job listing is not supported by this queue backend")
		return
	}
	var statuses []string
	for _, v := range r.URL.Query()["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	jobs, err := s.admin.ListJobs(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// jobView renders the trigger payload as inline JSON instead of base64.
type jobView struct {
	store.Job
	Payload json.RawMessage `json:"payload"`
}

func newJobView(j store.Job) jobView {
	v := jobView{Job: j}
	switch {
	case len(j.Payload) == 0:
	case json.Valid(j.Payload):
		v.Payload = json.RawMessage(j.Payload)
	default:
		quoted, _ := json.Marshal(string(j.Payload))
		v.Payload = quoted
	}
	return v
}
