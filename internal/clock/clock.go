// Package clock establishes the shared time origin that aligns
// independently clocked capture sources, and the presentation-time offset
// applied ahead of encoding.
package clock

import "time"

// DefaultCTSFrames is the default presentation-time shift, in frame
// durations, applied by each codec path to compensate for encoder latency.
const DefaultCTSFrames = 2

// Epoch is the wall-clock origin shared by every producer in a session.
// It is fixed at construction and immutable for the session's lifetime;
// restarting a session requires a new Epoch and fresh stream descriptors.
type Epoch struct {
	origin time.Time
}

// NewEpoch fixes the shared origin at the current instant.
func NewEpoch() *Epoch {
	return &Epoch{origin: time.Now()}
}

// NewEpochAt fixes the shared origin at t. Used by tests to make offsets
// deterministic.
func NewEpochAt(t time.Time) *Epoch {
	return &Epoch{origin: t}
}

// Origin returns the fixed origin instant.
func (e *Epoch) Origin() time.Time {
	return e.origin
}

// Offset expresses t as an offset from the epoch. Instants before the
// origin clamp to zero so timestamps never run backwards past the start.
func (e *Epoch) Offset(t time.Time) time.Duration {
	d := t.Sub(e.origin)
	if d < 0 {
		return 0
	}
	return d
}

// Now returns the current offset from the epoch.
func (e *Epoch) Now() time.Duration {
	return e.Offset(time.Now())
}

// CTSOffset returns the presentation-time shift for a stream with the given
// frame duration: frames * frameDuration. Frames <= 0 selects the default.
func CTSOffset(frameDuration time.Duration, frames int) time.Duration {
	if frames <= 0 {
		frames = DefaultCTSFrames
	}
	return time.Duration(frames) * frameDuration
}
