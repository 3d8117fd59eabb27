package graph

import (
	"sync"

	"github.com/zsiec/refract/internal/media"
)

// Splitter duplicates one input stream to N independent consumers. Delivery
// order follows registration order. It has no buffering of its own; Push
// forwards the same unit pointer to every registered consumer, so consumers
// must treat payloads as read-only.
type Splitter struct {
	mu   sync.RWMutex
	outs []Output
}

// NewSplitter creates a Splitter with no consumers.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// AddOutput registers a consumer. Duplicate registrations of the same
// consumer identity are rejected.
func (s *Splitter) AddOutput(out Output) {
	if out == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outs {
		if o == out {
			return
		}
	}
	s.outs = append(s.outs, out)
}

// RemoveOutput deregisters a consumer by identity. A missing identity is a
// silent no-op.
func (s *Splitter) RemoveOutput(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.outs {
		if o == out {
			s.outs = append(s.outs[:i], s.outs[i+1:]...)
			return
		}
	}
}

// Outputs returns the number of registered consumers.
func (s *Splitter) Outputs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outs)
}

// Push forwards the unit to every registered consumer in registration order.
func (s *Splitter) Push(u *media.Unit) {
	s.mu.RLock()
	outs := s.outs
	s.mu.RUnlock()
	for _, o := range outs {
		o.Push(u)
	}
}
