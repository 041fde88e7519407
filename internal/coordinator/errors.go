package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

var (
	// ErrStoreUnavailable wraps BufferStore append and drain failures.
	ErrStoreUnavailable = errors.New("buffer store unavailable")
	// ErrScheduleFailed wraps a trigger that could not be enqueued.
	ErrScheduleFailed = errors.New("trigger schedule failed")
	// ErrBadPayload marks a trigger payload that cannot be decoded. Such
	// jobs are never retried.
	ErrBadPayload = errors.New("bad trigger payload")
)

// DispatchError is a downstream failure for an already-drained batch. The
// batch travels with the error so the retry can resend it without touching
// the buffer.
type DispatchError struct {
	Batch *bus.Batch
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s (%d messages): %v", e.Batch.ConversationKey, e.Batch.MessageCount, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RetryPayload is the trigger payload that redelivers this batch.
func (e *DispatchError) RetryPayload() []byte {
	data, err := json.Marshal(bus.TriggerPayload{ConversationKey: e.Batch.ConversationKey, Batch: e.Batch})
	if err != nil {
		return nil
	}
	return data
}
