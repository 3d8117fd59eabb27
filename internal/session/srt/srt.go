// Package srt implements the SRT-style transport session, dialing a remote
// SRT listener in caller mode and delivering the multiplexed stream as
// MPEG-TS packets in fixed-size chunks.
package srt

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
	"github.com/zsiec/refract/internal/session"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// defaultChunkSize is 7 transport packets per send, the standard SRT
// payload size (188 * 7 = 1316).
const defaultChunkSize = mpegts.PacketSize * 7

// dialTimeout bounds the background connect attempt.
const dialTimeout = 10 * time.Second

// Session is an SRT publishing session. It is single-use; create a new
// Session per streaming attempt.
type Session struct {
	*session.Lifecycle
	log    *slog.Logger
	target atomic.Int64 // current video bitrate telemetry compares against

	mu     sync.Mutex
	params session.Params
	set    bool
	conn   *srtgo.Conn
	writer *mpegts.Writer
	buf    []byte
	chunk  int
	meter  *session.Meter
	stats  session.Tracker
	stop   chan struct{}
}

// New creates an unstarted SRT session. Descs are the session's stream
// descriptors, used to build the transport-stream program tables. If log is
// nil, slog.Default() is used.
func New(descs []media.StreamDescriptor, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-session")
	return &Session{
		Lifecycle: session.NewLifecycle(log),
		log:       log,
		writer:    mpegts.NewWriter(descs),
		meter:     session.NewMeter(),
		stop:      make(chan struct{}),
	}
}

// SetParams installs the negotiated parameters. The SRT-specific fields
// (chunk size, log verbosity/facility/file, stats interval) are honored
// here; the autoreconnect flag is recorded for the embedder but the core
// never reconnects on its own.
func (s *Session) SetParams(p session.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != session.StateNone {
		return
	}
	s.params = p
	s.set = true
	s.chunk = p.ChunkSize
	if s.chunk <= 0 {
		s.chunk = defaultChunkSize
	}
	s.applyLogOptions(p)
}

// applyLogOptions redirects this session's transport logging per the
// configured verbosity, facility, and file path.
func (s *Session) applyLogOptions(p session.Params) {
	if p.LogLevel == 0 && p.LogFile == "" {
		return
	}
	level := slog.Level(p.LogLevel)
	out := os.Stderr
	if p.LogFile != "" {
		f, err := os.OpenFile(p.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.log.Warn("cannot open transport log file", "path", p.LogFile, "error", err)
		} else {
			out = f
		}
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	s.log = slog.New(h).With("component", "srt-session")
	if p.LogFacility != "" {
		s.log = s.log.With("facility", p.LogFacility)
	}
}

// Start validates configuration synchronously and dials the remote SRT
// listener in the background. Dial failures surface as the error state.
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
	addr, streamID, err := parseURI(p.URI)
	if err != nil {
		return err
	}

	s.target.Store(int64(p.Bitrate))
	go s.run(p, addr, streamID)
	return nil
}

func (s *Session) run(p session.Params, addr, streamID string) {
	s.Transition(s, session.StateStarting)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			s.log.Error("dial failed", "addr", addr, "error", res.err)
			s.Transition(s, session.StateError)
			return
		}
		s.mu.Lock()
		s.conn = res.conn
		s.mu.Unlock()
	case <-timer.C:
		// Drain the dial result in the background and close any leaked
		// connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		s.log.Error("dial timed out", "addr", addr, "timeout", dialTimeout)
		s.Transition(s, session.StateError)
		return
	case <-s.stop:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		s.Transition(s, session.StateEnded)
		return
	}

	s.log.Info("connected", "addr", addr, "stream_id", streamID)
	s.stats.Connected(p.URI)
	s.Transition(s, session.StateStarted)

	go s.telemetryLoop(p)
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

// Push converts one multiplexed unit to transport packets and sends full
// chunks. Units arriving outside the started state are dropped; a failed
// send is a transport error and moves the session to the error state.
func (s *Session) Push(u *media.Unit) {
	if u == nil || s.State() != session.StateStarted {
		return
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return
	}
	var sends [][]byte
	sends, s.buf = splitChunks(append(s.buf, s.writer.WriteUnit(u)...), s.chunk)
	s.mu.Unlock()

	for _, chunk := range sends {
		if _, err := conn.Write(chunk); err != nil {
			s.log.Error("send failed", "error", err)
			s.Transition(s, session.StateError)
			return
		}
		s.meter.Add(len(chunk))
		s.stats.Sent(len(chunk))
	}
}

// Stats returns a snapshot of send metrics.
func (s *Session) Stats() session.Stats {
	return s.stats.Snapshot()
}

// Stop flushes any partial chunk, closes the connection, and signals
// completion once teardown has finished. Safe to call in any state, and
// idempotent: repeated calls each get their completion.
func (s *Session) Stop(completion func()) {
	go func() {
		s.mu.Lock()
		conn := s.conn
		rest := s.buf
		s.conn = nil
		s.buf = nil
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		s.mu.Unlock()

		if conn != nil {
			if len(rest) > 0 {
				if _, err := conn.Write(rest); err != nil {
					s.log.Debug("final flush failed", "error", err)
				}
			}
			conn.Close()
		}
		s.Transition(s, session.StateEnded)
		s.CloseNotifier()
		if completion != nil {
			completion()
		}
	}()
}

// splitChunks carves buf into size-byte sends and returns the remainder that
// waits for more data.
func splitChunks(buf []byte, size int) (sends [][]byte, rest []byte) {
	for len(buf) >= size {
		sends = append(sends, buf[:size])
		buf = buf[size:]
	}
	return sends, buf
}

// parseURI splits srt://host:port[?streamid=...] into the dial address and
// stream ID.
func parseURI(raw string) (addr, streamID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("srt: parse URI: %w", err)
	}
	if u.Scheme != "srt" {
		return "", "", fmt.Errorf("srt: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return "", "", fmt.Errorf("srt: URI %q needs an explicit port", raw)
	}
	return u.Host, u.Query().Get("streamid"), nil
}
