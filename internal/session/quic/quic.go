// Package quic implements a QUIC transport session that carries the
// multiplexed stream as MPEG-TS over a single unidirectional stream.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
	"github.com/zsiec/refract/internal/session"
)

// alpnProtocol is the application protocol announced during the handshake.
const alpnProtocol = "refract-ts"

const dialTimeout = 10 * time.Second

// Session is a QUIC publishing session. It is single-use; create a new
// Session per streaming attempt.
type Session struct {
	*session.Lifecycle
	log    *slog.Logger
	tls    *tls.Config
	target atomic.Int64 // current video bitrate telemetry compares against

	mu     sync.Mutex
	params session.Params
	set    bool
	conn   quic.Connection
	stream quic.SendStream
	writer *mpegts.Writer
	meter  *session.Meter
	stats  session.Tracker
	stop   chan struct{}
}

// New creates an unstarted QUIC session. Descs are the session's stream
// descriptors. tlsConf may be nil, in which case a TLS 1.3 config with the
// transport's ALPN is used. If log is nil, slog.Default() is used.
func New(descs []media.StreamDescriptor, tlsConf *tls.Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-session")
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProtocol}
	}
	return &Session{
		Lifecycle: session.NewLifecycle(log),
		log:       log,
		tls:       tlsConf,
		writer:    mpegts.NewWriter(descs),
		meter:     session.NewMeter(),
		stop:      make(chan struct{}),
	}
}

// SetParams installs the negotiated parameters. Ignored once the session has
// left the initial state.
func (s *Session) SetParams(p session.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != session.StateNone {
		return
	}
	s.params = p
	s.set = true
}

// Start validates configuration synchronously and performs the QUIC
// handshake in the background. Handshake failures surface as the error
// state.
func (s *Session) Start() error {
	s.mu.Lock()
	p := s.params
	set := s.set
	s.mu.Unlock()

	if s.State() != session.StateNone {
		return session.ErrAlreadyStarted
	}
	if !set {
		p = session.Params{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	addr, err := parseURI(p.URI)
	if err != nil {
		return err
	}

	s.target.Store(int64(p.Bitrate))
	go s.run(p, addr)
	return nil
}

func (s *Session) run(p session.Params, addr string) {
	s.Transition(s, session.StateStarting)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	go func() {
		// A stop during the handshake aborts the dial.
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := quic.DialAddr(ctx, addr, s.tls, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		s.log.Error("dial failed", "addr", addr, "error", err)
		s.fail()
		return
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		s.log.Error("open stream failed", "addr", addr, "error", err)
		conn.CloseWithError(0, "stream open failed")
		s.fail()
		return
	}

	if !s.commit(conn, stream) {
		// Stopped while the handshake was in flight.
		conn.CloseWithError(0, "session ended")
		s.Transition(s, session.StateEnded)
		return
	}

	s.log.Info("connected", "addr", addr)
	s.stats.Connected(p.URI)
	s.Transition(s, session.StateStarted)

	go s.telemetryLoop(p)
}

// fail moves the session to the error state, or to ended when a stop arrived
// while the connect sequence was in flight.
func (s *Session) fail() {
	select {
	case <-s.stop:
		s.Transition(s, session.StateEnded)
	default:
		s.Transition(s, session.StateError)
	}
}

// commit stores the connected transport, refusing when a stop arrived during
// the handshake so the caller can close it instead of leaking it.
func (s *Session) commit(conn quic.Connection, stream quic.SendStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return false
	default:
	}
	s.conn = conn
	s.stream = stream
	return true
}

// SetTargetBitrate updates the video bitrate the telemetry loop compares
// measured throughput against.
func (s *Session) SetTargetBitrate(bps int) {
	s.target.Store(int64(bps))
}

// telemetryLoop samples send throughput at the stats interval. The
// comparison target follows the encoder as it adapts.
func (s *Session) telemetryLoop(p session.Params) {
	ticker := time.NewTicker(p.StatsEvery())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			dir, predicted, instant := s.meter.Tick(float64(s.target.Load()) / 8)
			s.ReportBandwidth(dir, predicted, instant)
		}
	}
}

// Push converts one multiplexed unit to transport packets and writes them to
// the unidirectional stream. Units arriving outside the started state are
// dropped; a failed write moves the session to the error state.
func (s *Session) Push(u *media.Unit) {
	if u == nil || s.State() != session.StateStarted {
		return
	}

	s.mu.Lock()
	stream := s.stream
	var data []byte
	if stream != nil {
		data = s.writer.WriteUnit(u)
	}
	s.mu.Unlock()

	if stream == nil || len(data) == 0 {
		return
	}
	if _, err := stream.Write(data); err != nil {
		s.log.Error("write failed", "error", err)
		s.Transition(s, session.StateError)
		return
	}
	s.meter.Add(len(data))
	s.stats.Sent(len(data))
}

// Stats returns a snapshot of send metrics.
func (s *Session) Stats() session.Stats {
	return s.stats.Snapshot()
}

// Stop closes the stream and connection and signals completion once
// teardown has finished. Safe to call in any state, and idempotent:
// repeated calls each get their completion.
func (s *Session) Stop(completion func()) {
	go func() {
		s.mu.Lock()
		conn := s.conn
		stream := s.stream
		s.conn = nil
		s.stream = nil
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		s.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
		if conn != nil {
			conn.CloseWithError(0, "session ended")
		}
		s.Transition(s, session.StateEnded)
		s.CloseNotifier()
		if completion != nil {
			completion()
		}
	}()
}

// parseURI extracts the dial address from a quic://host:port URI.
func parseURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("quic: parse URI: %w", err)
	}
	if u.Scheme != "quic" {
		return "", fmt.Errorf("quic: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("quic: URI %q needs an explicit port", raw)
	}
	return u.Host, nil
}
