// Package rtmp implements the RTMP-style transport session: TCP connect,
// NetConnection/NetStream handshake, live publish, and FLV-tagged delivery
// of multiplexed units.
package rtmp

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/session"
)

const (
	defaultPort    = "1935"
	chunkSize      = 4096
	audioChunkID   = 5
	videoChunkID   = 6
	publishingLive = "live"
)

// Session is an RTMP publishing session. It is single-use; create a new
// Session per streaming attempt.
type Session struct {
	*session.Lifecycle
	log    *slog.Logger
	target atomic.Int64 // current video bitrate telemetry compares against

	mu     sync.Mutex
	params session.Params
	set    bool
	conn   *rtmp.ClientConn
	stream *rtmp.Stream
	meter  *session.Meter
	stats  session.Tracker
	stop   chan struct{}
}

// New creates an unstarted RTMP session. If log is nil, slog.Default() is
// used.
func New(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rtmp-session")
	return &Session{
		Lifecycle: session.NewLifecycle(log),
		log:       log,
		meter:     session.NewMeter(),
		stop:      make(chan struct{}),
	}
}

// SetParams installs the negotiated parameters. Calls after Start are
// ignored.
func (s *Session) SetParams(p session.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != session.StateNone {
		return
	}
	s.params = p
	s.set = true
}

// Start validates configuration synchronously, then runs the connect and
// handshake sequence in the background. Transport failures surface as the
// error state, never as a return value.
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
	ep, err := parseURI(p.URI)
	if err != nil {
		return err
	}

	s.target.Store(int64(p.Bitrate))
	go s.run(p, ep)
	return nil
}

func (s *Session) run(p session.Params, ep endpoint) {
	s.Transition(s, session.StateStarting)

	conn, err := rtmp.Dial("rtmp", ep.addr, &rtmp.ConnConfig{})
	if err != nil {
		s.log.Error("dial failed", "addr", ep.addr, "error", err)
		s.fail()
		return
	}

	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      ep.app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; refract)",
			TCURL:    ep.tcURL,
		},
	}); err != nil {
		s.log.Error("connect handshake failed", "error", err)
		conn.Close()
		s.fail()
		return
	}

	stream, err := conn.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, chunkSize)
	if err != nil {
		s.log.Error("createStream failed", "error", err)
		conn.Close()
		s.fail()
		return
	}

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: ep.streamKey,
		PublishingType: publishingLive,
	}); err != nil {
		s.log.Error("publish failed", "stream_key", ep.streamKey, "error", err)
		conn.Close()
		s.fail()
		return
	}

	if !s.commit(conn, stream) {
		// Stopped while the handshake was in flight.
		conn.Close()
		s.Transition(s, session.StateEnded)
		return
	}

	if err := s.writeMetadata(p, stream); err != nil {
		s.log.Warn("metadata write failed", "error", err)
	}

	s.log.Info("publishing", "addr", ep.addr, "app", ep.app, "stream_key", ep.streamKey)
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
func (s *Session) commit(conn *rtmp.ClientConn, stream *rtmp.Stream) bool {
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

// telemetryLoop samples send throughput at the stats interval and posts the
// (direction, predicted, instant) tuple to the bandwidth observer. The
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

// Push writes one multiplexed unit as an FLV-tagged RTMP message. Units
// arriving outside the started state are dropped; a failed write is a
// transport error and moves the session to the error state.
func (s *Session) Push(u *media.Unit) {
	if u == nil || s.State() != session.StateStarted {
		return
	}
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}

	timestamp := uint32(u.DTS / time.Millisecond)
	var err error
	switch u.Type {
	case media.TypeVideo:
		err = stream.Write(videoChunkID, timestamp, &rtmpmsg.VideoMessage{
			Payload: videoTag(u),
		})
	case media.TypeAudio:
		err = stream.Write(audioChunkID, timestamp, &rtmpmsg.AudioMessage{
			Payload: audioTag(u),
		})
	default:
		return
	}

	if err != nil {
		s.log.Error("write failed", "error", err)
		s.Transition(s, session.StateError)
		return
	}
	s.meter.Add(len(u.Payload))
	s.stats.Sent(len(u.Payload))
}

// Stats returns a snapshot of send metrics.
func (s *Session) Stats() session.Stats {
	return s.stats.Snapshot()
}

// Stop tears the session down and signals completion once teardown has
// finished. Safe to call in any state, and idempotent: repeated calls each
// get their completion.
func (s *Session) Stop(completion func()) {
	go func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.stream = nil
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		s.Transition(s, session.StateEnded)
		s.CloseNotifier()
		if completion != nil {
			completion()
		}
	}()
}

// endpoint is the parsed form of an rtmp:// URI.
type endpoint struct {
	addr      string // host:port
	app       string
	streamKey string
	tcURL     string
}

// parseURI splits rtmp://host[:port]/app[/...]/streamKey. The stream key is
// the last path element; everything between host and key is the app.
func parseURI(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("rtmp: parse URI: %w", err)
	}
	if u.Scheme != "rtmp" {
		return endpoint{}, fmt.Errorf("rtmp: unsupported scheme %q", u.Scheme)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return endpoint{}, fmt.Errorf("rtmp: URI %q needs /app/streamKey", raw)
	}

	host := u.Host
	if u.Port() == "" {
		host = u.Hostname() + ":" + defaultPort
	}

	app := strings.Join(parts[:len(parts)-1], "/")
	return endpoint{
		addr:      host,
		app:       app,
		streamKey: parts[len(parts)-1],
		tcURL:     fmt.Sprintf("rtmp://%s/%s", host, app),
	}, nil
}
