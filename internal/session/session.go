// Package session defines the transport session contract: the connection
// lifecycle state machine, the single-context callback notifier, negotiated
// parameters, and the throughput telemetry that drives bitrate adaptation.
package session

import (
	"time"

	"github.com/zsiec/refract/internal/graph"
)

// State is the lifecycle state of a transport session.
type State int

const (
	StateNone State = iota
	StateStarting
	StateStarted
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the edge from -> to is legal. The error
// state is reachable from any in-flight state; ended and error are terminal
// for the session object (a new attempt requires a new session).
func CanTransition(from, to State) bool {
	switch from {
	case StateNone:
		return to == StateStarting
	case StateStarting:
		return to == StateStarted || to == StateEnded || to == StateError
	case StateStarted:
		return to == StateEnded || to == StateError
	default:
		return false
	}
}

// Direction is the three-valued bandwidth signal computed from throughput
// telemetry. Hold means no bitrate change this tick.
type Direction int

const (
	Decrease Direction = -1
	Hold     Direction = 0
	Increase Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Decrease:
		return "decrease"
	case Increase:
		return "increase"
	default:
		return "hold"
	}
}

// StateFunc observes lifecycle transitions. It is invoked on the session's
// notification context, one transition at a time, in order.
type StateFunc func(s Session, state State)

// BandwidthFunc observes periodic throughput telemetry: the adaptation
// direction, the predicted throughput in bytes per second, and the
// instantaneous sample it was derived from. Invoked on the notification
// context.
type BandwidthFunc func(dir Direction, predictedBps, instantBps float64)

// Session wraps one network connection for a streaming attempt. A session
// is single-use: once ended or errored it cannot be restarted.
//
// Push accepts multiplexed units once the session is started; units pushed
// in any other state are dropped. Stop's completion callback is the join
// mechanism; callers must not assume synchronous teardown.
type Session interface {
	graph.Output

	// SetParams installs the negotiated parameters. Must be called before
	// Start; later calls are ignored.
	SetParams(p Params)

	// Start begins the connect/handshake sequence. Configuration errors are
	// returned synchronously; transport failures after Start surface as a
	// transition to the error state.
	Start() error

	// Stop tears the session down and invokes completion once finished.
	// Stop is idempotent; every caller's completion fires.
	Stop(completion func())

	// SetTargetBitrate informs the session of the current video encoder
	// target so throughput telemetry tracks adaptation instead of the
	// original configured rate.
	SetTargetBitrate(bps int)

	State() State
	OnState(fn StateFunc)
	OnBandwidth(fn BandwidthFunc)
}

// Params carries the negotiated session parameters. The first group applies
// to every transport; the SRT group is honored by the SRT-style transport
// and ignored elsewhere.
type Params struct {
	URI             string
	Width           int
	Height          int
	FrameDuration   time.Duration
	Bitrate         int
	AudioSampleRate int
	Stereo          bool

	// SRT-style transport options.
	ChunkSize     int           // bytes of transport stream per send
	LogLevel      int           // transport library log verbosity
	LogFacility   string        // transport library log facility
	LogFile       string        // transport library log file path
	AutoReconnect bool          // passed through to the transport library
	StatsInterval time.Duration // telemetry reporting period
}

// defaultStatsInterval paces bandwidth telemetry when the caller leaves
// StatsInterval unset.
const defaultStatsInterval = time.Second

// StatsEvery returns the telemetry period, applying the default.
func (p Params) StatsEvery() time.Duration {
	if p.StatsInterval > 0 {
		return p.StatsInterval
	}
	return defaultStatsInterval
}

// Validate checks for missing or contradictory parameters. Detected at
// setup, surfaced synchronously, before any graph wiring happens.
func (p Params) Validate() error {
	switch {
	case p.URI == "":
		return errMissingURI
	case p.Bitrate <= 0:
		return errMissingBitrate
	case p.Width <= 0 || p.Height <= 0:
		return errMissingGeometry
	case p.FrameDuration <= 0:
		return errMissingFrameDuration
	}
	return nil
}
