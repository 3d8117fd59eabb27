// Package mux interleaves tagged elementary-stream units from multiple
// packetizer paths into one outgoing sequence ordered by decode timestamp.
// It is the graph's single fan-in point; interleaving decisions are
// serialized internally so upstream paths stay lock-free end to end.
package mux

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
)

// laneIdleTimeout is how long a lane may stay empty before it stops gating
// interleaving. A stream falling silent (e.g. audio muted) must not stall
// delivery of the other streams.
const laneIdleTimeout = 500 * time.Millisecond

// laneMaxQueue bounds per-lane buffering. When a lane backs up this far the
// muxer drains regardless of sibling lanes, degrading interleave accuracy
// instead of stalling.
const laneMaxQueue = 128

type lane struct {
	desc     media.StreamDescriptor
	queue    []*media.Unit
	lastPush time.Time
	ended    bool
}

// Muxer accepts units on one lane per stream descriptor and forwards them
// to the configured sink in decode-timestamp order.
type Muxer struct {
	log *slog.Logger

	mu      sync.Mutex
	lanes   map[int]*lane
	out     graph.Output
	stopped bool

	idleTimeout time.Duration

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// New creates a Muxer with one input lane per descriptor. If log is nil,
// slog.Default() is used.
func New(descs []media.StreamDescriptor, log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	m := &Muxer{
		log:         log.With("component", "muxer"),
		lanes:       make(map[int]*lane, len(descs)),
		idleTimeout: laneIdleTimeout,
	}
	for _, d := range descs {
		m.lanes[d.Index] = &lane{desc: d, lastPush: time.Now()}
	}
	return m
}

// SetOutput wires the multiplexed result to a session or file sink,
// replacing any prior sink.
func (m *Muxer) SetOutput(out graph.Output) {
	m.mu.Lock()
	m.out = out
	m.mu.Unlock()
}

// Push routes a unit to its lane and drains whatever has become orderable.
// Units for unknown lanes, or arriving after Stop, are dropped.
func (m *Muxer) Push(u *media.Unit) {
	if u == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		m.dropped.Add(1)
		return
	}
	ln, ok := m.lanes[u.Stream]
	if !ok || ln.ended {
		m.dropped.Add(1)
		return
	}
	ln.queue = append(ln.queue, u)
	ln.lastPush = time.Now()

	m.drainLocked(false)
}

// EndStream marks a lane terminated. Its queued units are drained and the
// lane no longer gates interleaving of the remaining streams.
func (m *Muxer) EndStream(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ln, ok := m.lanes[index]; ok {
		ln.ended = true
	}
	m.drainLocked(false)
}

// Stop flushes all buffered units in timestamp order and signals completion
// exactly once on a separate goroutine. Pushes after Stop are dropped.
func (m *Muxer) Stop(completion func()) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.drainLocked(true)
	forwarded := m.forwarded.Load()
	dropped := m.dropped.Load()
	m.mu.Unlock()

	m.log.Info("muxer stopped", "forwarded", forwarded, "dropped", dropped)
	if completion != nil {
		go completion()
	}
}

// Forwarded returns the number of units delivered to the sink.
func (m *Muxer) Forwarded() int64 {
	return m.forwarded.Load()
}

// drainLocked forwards units while ordering is decidable. Ordering is
// decidable when every live lane has a queued unit, when the only queues
// holding data belong to live lanes and the empty ones have been idle past
// the timeout, or when flushing.
func (m *Muxer) drainLocked(flush bool) {
	for {
		var best *lane
		blocked := false
		now := time.Now()

		for _, ln := range m.lanes {
			if len(ln.queue) == 0 {
				if !flush && !ln.ended && now.Sub(ln.lastPush) < m.idleTimeout {
					blocked = true
				}
				continue
			}
			if best == nil || unitDTS(ln.queue[0]) < unitDTS(best.queue[0]) {
				best = ln
			}
			if len(ln.queue) >= laneMaxQueue {
				// Overfull lane: stop honoring empty siblings.
				blocked = false
				best = ln
				break
			}
		}

		if best == nil || (blocked && !flush && len(best.queue) < laneMaxQueue) {
			return
		}

		u := best.queue[0]
		best.queue = best.queue[1:]
		if m.out != nil {
			m.out.Push(u)
			m.forwarded.Add(1)
		} else {
			m.dropped.Add(1)
		}
	}
}

func unitDTS(u *media.Unit) time.Duration {
	if u.DTS != 0 {
		return u.DTS
	}
	return u.PTS
}
