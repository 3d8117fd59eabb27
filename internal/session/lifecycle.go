package session

import (
	"log/slog"
	"sync"
)

// Lifecycle is the embeddable state tracker shared by the transport
// implementations. It validates edges against the state machine and
// marshals observer callbacks through the notifier.
type Lifecycle struct {
	log      *slog.Logger
	notifier *Notifier

	mu          sync.Mutex
	state       State
	onState     StateFunc
	onBandwidth BandwidthFunc
}

// NewLifecycle creates a tracker in the none state. If log is nil,
// slog.Default() is used.
func NewLifecycle(log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		log:      log,
		notifier: NewNotifier(),
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnState installs the single state observer. Must be set before Start.
func (l *Lifecycle) OnState(fn StateFunc) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// OnBandwidth installs the single bandwidth observer.
func (l *Lifecycle) OnBandwidth(fn BandwidthFunc) {
	l.mu.Lock()
	l.onBandwidth = fn
	l.mu.Unlock()
}

// Transition attempts the edge to the given state on behalf of owner.
// Illegal edges are ignored and reported false. Legal edges are applied
// immediately; observer delivery is posted to the notification context so
// the observer never sees two transitions in flight.
func (l *Lifecycle) Transition(owner Session, to State) bool {
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, to) {
		l.mu.Unlock()
		l.log.Debug("ignoring illegal transition", "from", from, "to", to)
		return false
	}
	l.state = to
	fn := l.onState
	l.mu.Unlock()

	l.log.Info("state changed", "from", from, "to", to)
	if fn != nil {
		l.notifier.Post(func() { fn(owner, to) })
	}
	return true
}

// ReportBandwidth posts one telemetry tuple to the bandwidth observer on
// the notification context.
func (l *Lifecycle) ReportBandwidth(dir Direction, predictedBps, instantBps float64) {
	l.mu.Lock()
	fn := l.onBandwidth
	l.mu.Unlock()
	if fn != nil {
		l.notifier.Post(func() { fn(dir, predictedBps, instantBps) })
	}
}

// CloseNotifier drains and stops callback dispatch. Called during teardown
// after the terminal transition has been posted.
func (l *Lifecycle) CloseNotifier() {
	l.notifier.Close()
}
