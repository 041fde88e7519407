// Package dispatch is the client side of the downstream chat pipeline: the
// service that turns a coalesced batch into an agent reply.
package dispatch

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

// Pipeline delivers one coalesced batch downstream.
type Pipeline interface {
	Dispatch(ctx context.Context, req bus.DispatchRequest) (*bus.DispatchResult, error)
}

// Mode names accepted by New.
const (
	ModeHTTP = "http"
	ModeLog  = "log"
)

// HTTPError is a non-2xx response from the pipeline.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("dispatch: HTTP %d: %s", e.Status, e.Body)
}

// Options configures New.
type Options struct {
	Mode  string
	URL   string
	Token string
}

// New builds the pipeline for opts.Mode. An empty mode selects http when a
// URL is set and log otherwise.
func New(opts Options) (Pipeline, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeLog
		if opts.URL != "" {
			mode = ModeHTTP
		}
	}
	switch mode {
	case ModeHTTP:
		if opts.URL == "" {
			return nil, fmt.Errorf("dispatch: mode %q requires a url", mode)
		}
		return NewHTTPPipeline(opts.URL, opts.Token), nil
	case ModeLog:
		return NewLogPipeline(nil), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", mode)
	}
}
