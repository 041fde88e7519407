package store

import "errors"

// Stores is the top-level container for the buffer and queue backends.
// Jobs is nil-able only in tests; Admin is nil for queues without job rows (amqp).
type Stores struct {
	Buffers BufferStore
	Jobs    JobQueue
	Admin   JobAdmin // nil when the queue backend keeps no job rows

	closers []func() error
}

// OnClose registers a release hook run by Close after the queue and buffer
// store are closed (shared DB handles, AMQP connections).
func (s *Stores) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close closes the queue, then the buffer store, then registered hooks.
func (s *Stores) Close() error {
	var errs []error
	if s.Jobs != nil {
		errs = append(errs, s.Jobs.Close())
	}
	if s.Buffers != nil {
		errs = append(errs, s.Buffers.Close())
	}
	for _, fn := range s.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
