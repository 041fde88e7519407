// Package memory holds in-process BufferStore and JobQueue implementations.
// They are not durable; use them for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
)

// BufferStore keeps conversation buffers in a map guarded by one mutex.
type BufferStore struct {
	mu      sync.Mutex
	buffers map[string][]bus.BufferedMessage
}

func NewBufferStore() *BufferStore {
	return &BufferStore{buffers: make(map[string][]bus.BufferedMessage)}
}

func (s *BufferStore) Append(_ context.Context, key string, msg bus.BufferedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[key] = append(s.buffers[key], msg)
	return nil
}

func (s *BufferStore) Drain(_ context.Context, key string) ([]bus.BufferedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.buffers[key]
	delete(s.buffers, key)
	return msgs, nil
}

func (s *BufferStore) Size(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[key]), nil
}

// ListKeys returns up to limit non-empty buffer keys in lexical order.
func (s *BufferStore) ListKeys(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *BufferStore) Close() error { return nil }
