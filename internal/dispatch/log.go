package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

// LogPipeline writes each batch to the log instead of calling a service.
// Useful for local runs without a downstream pipeline.
type LogPipeline struct {
	logger *slog.Logger
}

func NewLogPipeline(logger *slog.Logger) *LogPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPipeline{logger: logger}
}

func (p *LogPipeline) Dispatch(ctx context.Context, req bus.DispatchRequest) (*bus.DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.Must(uuid.NewV7()).String()
	p.logger.Info("dispatch: batch",
		"dispatch_id", id,
		"conversation", req.ConversationKey,
		"agent", req.AgentID,
		"visitor", req.VisitorID,
		"text", req.CombinedText,
	)
	return &bus.DispatchResult{DispatchID: id, ConversationKey: req.ConversationKey, Status: "logged"}, nil
}
