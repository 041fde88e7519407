package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

const maxErrorBody = 4 << 10

// HTTPPipeline POSTs each batch as JSON. The caller bounds each call with
// its context deadline.
type HTTPPipeline struct {
	url    string
	token  string
	client *http.Client
	tracer trace.Tracer
}

func NewHTTPPipeline(url, token string) *HTTPPipeline {
	return &HTTPPipeline{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{},
		tracer: otel.Tracer("inboundq/dispatch"),
	}
}

// WithClient replaces the http.Client (tests).
func (p *HTTPPipeline) WithClient(c *http.Client) *HTTPPipeline {
	p.client = c
	return p
}

func (p *HTTPPipeline) Dispatch(ctx context.Context, req bus.DispatchRequest) (*bus.DispatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "dispatch.http", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("conversation.key", req.ConversationKey),
			attribute.String("agent.id", req.AgentID),
		))
	defer span.End()

	res, err := p.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("dispatch.id", res.DispatchID))
	return res, nil
}

func (p *HTTPPipeline) do(ctx context.Context, req bus.DispatchRequest) (*bus.DispatchResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dispatch: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out bus.DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("dispatch: decode response: %w", err)
	}
	if out.ConversationKey == "" {
		out.ConversationKey = req.ConversationKey
	}
	if out.Status == "" {
		out.Status = "accepted"
	}
	return &out, nil
}
