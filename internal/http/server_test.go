package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
	"github.com/nextlevelbuilder/inboundq/internal/store/memory"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

type stubPipeline struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (p *stubPipeline) Dispatch(_ context.Context, req bus.DispatchRequest) (*bus.DispatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.texts = append(p.texts, req.CombinedText)
	return &bus.DispatchResult{DispatchID: "d-1", ConversationKey: req.ConversationKey, Status: "accepted"}, nil
}

func (p *stubPipeline) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *stubPipeline) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	buffers *memory.BufferStore
	jobs    *memory.JobQueue
	pipe    *stubPipeline
	hub     *bus.Hub
}

func newFixture(t *testing.T, gw config.GatewayConfig) *fixture {
	t.Helper()
	buffers := memory.NewBufferStore()
	jobs := memory.NewJobQueue(store.QueueConfig{})
	pipe := &stubPipeline{}
	hub := bus.NewHub()
	coord := coordinator.New(coordinator.Config{Delay: time.Hour}, buffers, jobs, pipe, coordinator.WithEvents(hub))

	srv := NewServer(gw, coord, buffers, WithJobAdmin(jobs), WithEvents(hub))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, buffers: buffers, jobs: jobs, pipe: pipe, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, f.ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAddMessageBuffersAndArms(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	resp, body := f.do(t, "POST", "/v1/messages", "", map[string]any{
		"conversation_key": "c1", "agent_id": "a1", "text": "hi",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "buffered" || body["job_id"] == "" {
		t.Errorf("body = %v", body)
	}
	if n, _ := f.buffers.Size(context.Background(), "c1"); n != 1 {
		t.Errorf("buffer size = %d, want 1", n)
	}
}

func TestAddMessageBuildsKey(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	resp, body := f.do(t, "POST", "/v1/messages", "", map[string]any{
		"agent_id": "sales", "channel": "whatsapp", "peer_kind": "group", "chat_id": "42", "text": "oi",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if got := body["conversation_key"]; got != "conv:sales:whatsapp:group:42" {
		t.Errorf("conversation_key = %v", got)
	}
}

func TestAddMessageValidation(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{MaxMessageChars: 5})

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no key", map[string]any{"text": "x"}, http.StatusBadRequest},
		{"no text", map[string]any{"conversation_key": "c"}, http.StatusBadRequest},
		{"bad kind", map[string]any{"agent_id": "a", "channel": "x", "chat_id": "1", "peer_kind": "room", "text": "x"}, http.StatusBadRequest},
		{"too long", map[string]any{"conversation_key": "c", "text": "abcdef"}, http.StatusRequestEntityTooLarge},
		{"key too long", map[string]any{"conversation_key": strings.Repeat("k", 600), "text": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", "/v1/messages", "", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestAddMessageDedupe(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	msg := map[string]any{
		"conversation_key": "c1", "text": "hi",
		"metadata": map[string]string{"message_id": "wamid.1"},
	}

	f.do(t, "POST", "/v1/messages", "", msg)
	resp, body := f.do(t, "POST", "/v1/messages", "", msg)
	if resp.StatusCode != http.StatusOK || body["status"] != "duplicate" {
		t.Errorf("second post = %d %v, want 200 duplicate", resp.StatusCode, body)
	}
	if n, _ := f.buffers.Size(context.Background(), "c1"); n != 1 {
		t.Errorf("buffer size = %d, want 1", n)
	}
}

// flakyBuffers fails the first failAppends appends.
type flakyBuffers struct {
	*memory.BufferStore
	mu          sync.Mutex
	failAppends int
}

func (b *flakyBuffers) Append(ctx context.Context, key string, msg bus.BufferedMessage) error {
	b.mu.Lock()
	if b.failAppends > 0 {
		b.failAppends--
		b.mu.Unlock()
		return errors.New("connection reset")
	}
	b.mu.Unlock()
	return b.BufferStore.Append(ctx, key, msg)
}

func TestAddMessageRetryAfterFailureIsBuffered(t *testing.T) {
	buffers := &flakyBuffers{BufferStore: memory.NewBufferStore(), failAppends: 1}
	jobs := memory.NewJobQueue(store.QueueConfig{})
	coord := coordinator.New(coordinator.Config{Delay: time.Hour}, buffers, jobs, &stubPipeline{})
	srv := NewServer(config.GatewayConfig{}, coord, buffers)

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		body := `{"conversation_key":"c1","text":"hi","metadata":{"message_id":"wamid.7"}}`
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body)))
		return rec
	}

	if rec := post(); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first post: status = %d, want 503", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry: status = %d body %s, want 202", rec.Code, rec.Body)
	}
	if n, _ := buffers.Size(context.Background(), "c1"); n != 1 {
		t.Errorf("buffer size = %d, want 1", n)
	}
	if rec := post(); rec.Code != http.StatusOK {
		t.Errorf("third post: status = %d, want 200 duplicate", rec.Code)
	}
}

type downCoordinator struct{ err error }

func (d downCoordinator) AddMessage(context.Context, string, string, string, map[string]string) error {
	return d.err
}
func (d downCoordinator) DrainAndDispatch(context.Context, string) (*coordinator.DispatchOutcome, error) {
	return nil, d.err
}
func (downCoordinator) PendingTrigger(string) (string, bool) { return "", false }

func TestAddMessageUnavailable(t *testing.T) {
	for _, sentinel := range []error{coordinator.ErrStoreUnavailable, coordinator.ErrScheduleFailed} {
		srv := NewServer(config.GatewayConfig{}, downCoordinator{err: errors.Join(sentinel, errors.New("conn refused"))}, memory.NewBufferStore())
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"conversation_key":"c","text":"x"}`))
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%v: status = %d, want 503", sentinel, rec.Code)
		}
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "s3cret"})

	resp, _ := f.do(t, "GET", "/v1/buffers/c1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/v1/buffers/c1", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/v1/buffers/c1", "s3cret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{RateLimitRPM: 1})
	f.srv.limiter.burst = 1
	f.srv.limiter.clients = map[string]*clientLimiter{}

	msg := map[string]any{"conversation_key": "c1", "text": "x"}
	resp, _ := f.do(t, "POST", "/v1/messages", "", msg)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first: status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "POST", "/v1/messages", "", msg)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want 429", resp.StatusCode)
	}
}

func TestBufferAndFlush(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	f.do(t, "POST", "/v1/messages", "", map[string]any{"conversation_key": "c2", "text": "a"})
	f.do(t, "POST", "/v1/messages", "", map[string]any{"conversation_key": "c2", "text": "b"})

	resp, body := f.do(t, "GET", "/v1/buffers/c2", "", nil)
	if resp.StatusCode != http.StatusOK || body["size"] != float64(2) || body["pending"] != true {
		t.Fatalf("buffer = %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, "POST", "/v1/buffers/c2/flush", "", nil)
	if resp.StatusCode != http.StatusOK || body["dispatched"] != true || body["messages"] != float64(2) {
		t.Fatalf("flush = %d %v", resp.StatusCode, body)
	}
	if got := f.pipe.snapshot(); len(got) != 1 || got[0] != "a\nb" {
		t.Errorf("dispatched %q", got)
	}

	resp, body = f.do(t, "POST", "/v1/buffers/c2/flush", "", nil)
	if resp.StatusCode != http.StatusOK || body["dispatched"] != false {
		t.Errorf("empty flush = %d %v", resp.StatusCode, body)
	}
}

func TestFlushDispatchFailure(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	f.pipe.fail(errors.New("pipeline down"))
	f.do(t, "POST", "/v1/messages", "", map[string]any{"conversation_key": "c3", "text": "a"})

	resp, body := f.do(t, "POST", "/v1/buffers/c3/flush", "", nil)
	if resp.StatusCode != http.StatusBadGateway || body["handed_off"] != true {
		t.Fatalf("flush = %d %v", resp.StatusCode, body)
	}
	jobs, _ := f.jobs.ListJobs(context.Background(), []string{store.JobStatusScheduled}, 0)
	if len(jobs) != 1 {
		t.Fatalf("scheduled jobs = %d, want the hand-off job", len(jobs))
	}
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	f.do(t, "POST", "/v1/messages", "", map[string]any{"conversation_key": "c4", "text": "a"})

	resp, body := f.do(t, "GET", "/v1/jobs?status=scheduled", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v", body["jobs"])
	}
	payload := jobs[0].(map[string]any)["payload"].(map[string]any)
	if payload["conversation_key"] != "c4" {
		t.Errorf("payload = %v", payload)
	}

	resp, _ = f.do(t, "GET", "/v1/jobs?limit=abc", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", resp.StatusCode)
	}

	noAdmin := NewServer(config.GatewayConfig{}, downCoordinator{}, memory.NewBufferStore())
	rec := httptest.NewRecorder()
	noAdmin.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/jobs", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("no admin: status = %d, want 501", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.do(t, "POST", "/v1/messages", "", map[string]any{"conversation_key": "c5", "text": "a"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != protocol.EventMessageBuffered || frame.Seq != 1 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !r.Allow("k") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimiterBoundsClients(t *testing.T) {
	r := NewRateLimiter(60, 1)
	for i := 0; i < maxTrackedClients+10; i++ {
		r.Allow(strconv.Itoa(i))
	}
	if len(r.clients) > maxTrackedClients {
		t.Errorf("tracked clients = %d, cap %d", len(r.clients), maxTrackedClients)
	}
}
