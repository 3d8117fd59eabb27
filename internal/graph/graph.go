// Package graph defines the push-based processing graph contracts: sources,
// outputs, transforms, and the fan-out splitter. Nodes hold non-owning
// references to their consumers; the engine supervisor holds the only strong
// references, so collapsing the supervisor collapses the graph.
package graph

import (
	"sync"

	"github.com/zsiec/refract/internal/media"
)

// Output consumes compressed units pushed by a producer. Push is synchronous
// and must not retain the unit beyond the call unless the node copies it.
type Output interface {
	Push(u *media.Unit)
}

// Source produces compressed units for a single downstream consumer.
// SetOutput replaces any previously configured consumer; delivery already in
// flight is unaffected. A nil output detaches the node.
type Source interface {
	SetOutput(out Output)
}

// Transform is a node that both consumes and produces units.
type Transform interface {
	Source
	Output
}

// SampleSink consumes raw captured samples. It is the entry point a capture
// source calls with monotonically non-decreasing per-source timestamps.
type SampleSink interface {
	PushSample(s *media.Sample)
}

// SampleSource produces raw samples for a single SampleSink consumer.
type SampleSource interface {
	SetSampleOutput(out SampleSink)
}

// Forwarder is the embeddable single-consumer link used by transforms and
// sources. Pushing with no consumer configured is a silent drop; the graph
// degrades to dropping data downstream of an unwired stage, which is the
// normal condition during incremental (re)construction.
type Forwarder struct {
	mu  sync.RWMutex
	out Output
}

// SetOutput replaces the current consumer. The old linkage is released
// without affecting buffer delivery already in flight.
func (f *Forwarder) SetOutput(out Output) {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
}

// Forward delivers u to the configured consumer, or drops it if unwired.
func (f *Forwarder) Forward(u *media.Unit) {
	f.mu.RLock()
	out := f.out
	f.mu.RUnlock()
	if out != nil {
		out.Push(u)
	}
}

// Wired reports whether a consumer is currently configured.
func (f *Forwarder) Wired() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.out != nil
}
