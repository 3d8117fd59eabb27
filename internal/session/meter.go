package session

import (
	"sync"
	"time"
)

// Meter measures send throughput and derives the adaptation direction. The
// predicted value is an exponentially weighted average of per-tick samples;
// smoothing lives here so the bitrate controller downstream can stay a pure
// step function.
//
// Throughput can never exceed what the encoders produce, so the meter
// compares against the current adapted target rather than a fixed one:
// falling short of the target means congestion, and a run of healthy
// windows signals room to step back up. The controller's ceiling clamp
// turns probes at the top into no-ops.
type Meter struct {
	mu        sync.Mutex
	bytes     int64
	lastTick  time.Time
	predicted float64
	healthy   int

	// Tuning. Defaults are applied by NewMeter.
	Alpha         float64 // EWMA weight of the newest sample
	DecreaseBelow float64 // direction = decrease below target * this
	IncreaseAfter int     // consecutive healthy windows before an increase probe
}

// NewMeter creates a Meter with default smoothing and thresholds.
func NewMeter() *Meter {
	return &Meter{
		lastTick:      time.Now(),
		Alpha:         0.4,
		DecreaseBelow: 0.9,
		IncreaseAfter: 3,
	}
}

// Add records n bytes sent.
func (m *Meter) Add(n int) {
	m.mu.Lock()
	m.bytes += int64(n)
	m.mu.Unlock()
}

// Tick closes the current measurement window and returns the direction
// relative to targetBps (bytes per second), the predicted throughput, and
// the instantaneous sample for this window.
func (m *Meter) Tick(targetBps float64) (Direction, float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	instant := float64(m.bytes) / elapsed
	m.bytes = 0
	m.lastTick = now

	if m.predicted == 0 {
		m.predicted = instant
	} else {
		m.predicted = m.Alpha*instant + (1-m.Alpha)*m.predicted
	}

	dir := Hold
	switch {
	case targetBps <= 0:
		m.healthy = 0
	case m.predicted < targetBps*m.DecreaseBelow:
		m.healthy = 0
		dir = Decrease
	default:
		m.healthy++
		if m.healthy >= m.IncreaseAfter {
			m.healthy = 0
			dir = Increase
		}
	}
	return dir, m.predicted, instant
}
