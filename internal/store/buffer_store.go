package store

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

// ErrUndecodableMessage marks a drained message the backend could not decode.
// Drain has already removed it; the error is all that is left of it.
var ErrUndecodableMessage = errors.New("undecodable buffered message")

// BufferStore is a durable, key-addressed, append-only message log with an
// atomic drain.
//
// Drain must read and clear the whole log for a key in one indivisible step:
// among concurrent drains of the same key, each message is returned to exactly
// one caller. Messages appended after that step commits stay for a later drain.
type BufferStore interface {
	// Append adds msg to the tail of key's log.
	Append(ctx context.Context, key string, msg bus.BufferedMessage) error

	// Drain atomically returns and removes every message stored under key,
	// in arrival order. An empty buffer yields a nil slice and no side effects.
	// Messages that fail to decode are skipped: the rest are returned along
	// with an error wrapping ErrUndecodableMessage for each one skipped.
	Drain(ctx context.Context, key string) ([]bus.BufferedMessage, error)

	// Size is a non-atomic length probe. Never use it for correctness.
	Size(ctx context.Context, key string) (int, error)

	Close() error
}

// BufferKeyLister is implemented by buffer stores that can enumerate
// non-empty buffers (used by diagnostics).
type BufferKeyLister interface {
	ListKeys(ctx context.Context, limit int) ([]string, error)
}
