// Package engine contains the pipeline supervisor. It owns every graph node
// for a streaming attempt, serializes all graph mutation onto one management
// goroutine, and reacts to session lifecycle transitions: encoders,
// packetizers, and the multiplexer are attached lazily when the session
// reaches the started state and torn down when it ends or errors.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/abr"
	"github.com/zsiec/refract/internal/clock"
	"github.com/zsiec/refract/internal/codec"
	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mux"
	"github.com/zsiec/refract/internal/session"
)

// taskQueueDepth bounds the management queue. Tasks are small and fast;
// overflow indicates a stuck callback, logged and dropped.
const taskQueueDepth = 64

var errAlreadyStarted = errors.New("engine: already started")

// Config carries the per-attempt pipeline configuration. Params is handed to
// the transport session unchanged.
type Config struct {
	Params session.Params

	// Audio enables the audio path. Video is always required.
	Audio bool

	// AdaptiveBitrate enables the bitrate controller. When disabled the
	// encoders hold the configured target.
	AdaptiveBitrate bool

	// GOP is the video key-unit interval in frames. 0 selects the encoder
	// default.
	GOP int

	// VideoParameterSets, when set, is emitted by the video packetizer
	// before every key unit.
	VideoParameterSets []byte

	// CTSFrames overrides the presentation-time offset in frame durations.
	// 0 selects the default of two frames.
	CTSFrames int
}

// input is the stable front door for a capture source. The encoder behind it
// appears only after the session starts; until then samples are dropped.
type input struct {
	sink atomic.Pointer[codec.Encoder]
}

func (in *input) PushSample(s *media.Sample) {
	if enc := in.sink.Load(); enc != nil {
		(*enc).PushSample(s)
	}
}

// Engine supervises one streaming attempt. It is single-use, like the
// session it drives: create a new Engine per attempt so the epoch and stream
// descriptors are fresh.
type Engine struct {
	log  *slog.Logger
	cfg  Config
	ctrl *abr.Controller

	qmu     sync.Mutex
	tasks   chan func()
	qclosed bool
	done    chan struct{}

	videoIn input
	audioIn input

	mu       sync.Mutex
	started  bool
	stopping bool
	sess     session.Session
	epoch    *clock.Epoch
	descs    []media.StreamDescriptor
	videoEnc codec.Encoder
	audioEnc codec.Encoder
	vsplit   *graph.Splitter
	asplit   *graph.Splitter
	muxer    *mux.Muxer
}

// New creates an engine for one attempt. If log is nil, slog.Default() is
// used.
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")
	e := &Engine{
		log: log,
		cfg: cfg,
		ctrl: abr.New(abr.Config{
			Ceiling: cfg.Params.Bitrate,
			Enabled: cfg.AdaptiveBitrate,
		}, log),
		tasks: make(chan func(), taskQueueDepth),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

// loop is the graph-management goroutine. All wiring and teardown runs here.
// It exits only once the queue has shut down and every accepted task has run.
func (e *Engine) loop() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// enqueue adds fn to the management queue, reporting whether it was
// accepted. It refuses once the queue has shut down or when the queue is
// saturated; the queue mutex makes shutdown atomic with respect to enqueues,
// so an accepted task is guaranteed to run.
func (e *Engine) enqueue(fn func()) bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.qclosed {
		return false
	}
	select {
	case e.tasks <- fn:
		return true
	default:
		return false
	}
}

// post schedules fn on the management goroutine. Tasks posted after
// shutdown, or into a saturated queue, are dropped.
func (e *Engine) post(fn func()) {
	if !e.enqueue(fn) {
		e.log.Debug("management task dropped")
	}
}

// VideoInput returns the sink capture sources push raw video samples into.
// Safe to call and use before Start; samples are dropped until the session
// is started.
func (e *Engine) VideoInput() graph.SampleSink { return &e.videoIn }

// AudioInput returns the sink for raw audio samples.
func (e *Engine) AudioInput() graph.SampleSink { return &e.audioIn }

// Epoch returns the shared time origin, available once Start succeeds.
func (e *Engine) Epoch() *clock.Epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Descriptors returns a copy of the session's stream descriptors, available
// once Start succeeds. The set is fixed for the attempt's lifetime.
func (e *Engine) Descriptors() []media.StreamDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]media.StreamDescriptor, len(e.descs))
	copy(out, e.descs)
	return out
}

// VideoTap returns the fan-out point carrying encoded video units, for
// attaching additional consumers (preview, recording) next to the
// packetizer. Available once the session has started.
func (e *Engine) VideoTap() *graph.Splitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vsplit
}

// Start validates configuration, fixes the epoch and stream descriptors,
// and starts the session. The encoder chain is not built here; it attaches
// when the session reports started.
func (e *Engine) Start(sess session.Session) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errAlreadyStarted
	}
	if err := e.cfg.Params.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	if !codec.Registered(media.CodecH264) {
		e.mu.Unlock()
		return fmt.Errorf("engine: no video encoder available")
	}
	if e.cfg.Audio && e.cfg.Params.AudioSampleRate <= 0 {
		e.mu.Unlock()
		return fmt.Errorf("engine: audio enabled without a sample rate")
	}

	e.started = true
	e.sess = sess
	e.epoch = clock.NewEpoch()
	e.descs = StreamDescriptors(e.cfg)
	e.mu.Unlock()

	sess.OnState(func(_ session.Session, st session.State) {
		e.post(func() { e.handleState(st) })
	})
	sess.OnBandwidth(func(dir session.Direction, predicted, instant float64) {
		e.post(func() { e.handleBandwidth(dir, predicted, instant) })
	})

	sess.SetParams(e.cfg.Params)
	if err := sess.Start(); err != nil {
		e.shutdownQueue()
		return err
	}
	return nil
}

// StreamDescriptors derives the per-attempt stream descriptors from the
// configuration. Transports that pre-build container tables use the same
// set the engine will fix at Start.
func StreamDescriptors(cfg Config) []media.StreamDescriptor {
	descs := []media.StreamDescriptor{{
		Index:     0,
		Type:      media.TypeVideo,
		Codec:     media.CodecH264,
		Timescale: media.VideoTimescale,
	}}
	if cfg.Audio {
		descs = append(descs, media.StreamDescriptor{
			Index:     1,
			Type:      media.TypeAudio,
			Codec:     media.CodecAAC,
			Timescale: int64(cfg.Params.AudioSampleRate),
		})
	}
	return descs
}

// handleState runs on the management goroutine.
func (e *Engine) handleState(st session.State) {
	e.log.Info("session state", "state", st.String())
	switch st {
	case session.StateStarted:
		if err := e.attach(); err != nil {
			e.log.Error("graph attach failed", "error", err)
			e.teardown()
		}
	case session.StateEnded, session.StateError:
		e.teardown()
	}
}

// attach builds the encoder/packetizer/mux chain and opens the inputs. Lazy
// by design: no encoding work happens before a destination accepts data.
func (e *Engine) attach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.muxer != nil || e.stopping {
		return nil
	}

	p := e.cfg.Params
	m := mux.New(e.descs, e.log)
	m.SetOutput(e.sess)

	videoEnc, err := codec.New(codec.Config{
		Descriptor:    e.descs[0],
		Width:         p.Width,
		Height:        p.Height,
		FrameDuration: p.FrameDuration,
		Bitrate:       e.ctrl.Video(),
		GOP:           e.cfg.GOP,
	})
	if err != nil {
		return err
	}
	vpkt := codec.NewVideoPacketizer(e.descs[0], p.FrameDuration, e.cfg.CTSFrames)
	if len(e.cfg.VideoParameterSets) > 0 {
		vpkt.SetParameterSets(e.cfg.VideoParameterSets)
	}
	vpkt.SetOutput(m)
	vsplit := graph.NewSplitter()
	vsplit.AddOutput(vpkt)
	videoEnc.SetOutput(vsplit)

	var audioEnc codec.Encoder
	var asplit *graph.Splitter
	if e.cfg.Audio {
		channels := 1
		if p.Stereo {
			channels = 2
		}
		audioEnc, err = codec.New(codec.Config{
			Descriptor:    e.descs[1],
			FrameDuration: p.FrameDuration,
			Bitrate:       e.ctrl.Audio(),
			SampleRate:    p.AudioSampleRate,
			Channels:      channels,
		})
		if err != nil {
			return err
		}
		apkt := codec.NewAudioPacketizer(e.descs[1], p.AudioSampleRate, channels, p.FrameDuration, e.cfg.CTSFrames)
		apkt.SetOutput(m)
		asplit = graph.NewSplitter()
		asplit.AddOutput(apkt)
		audioEnc.SetOutput(asplit)
	}

	e.muxer = m
	e.videoEnc = videoEnc
	e.audioEnc = audioEnc
	e.vsplit = vsplit
	e.asplit = asplit
	e.videoIn.sink.Store(&videoEnc)
	if audioEnc != nil {
		e.audioIn.sink.Store(&audioEnc)
	}
	e.log.Info("graph attached",
		"streams", len(e.descs), "video_bps", e.ctrl.Video(), "adaptive", e.cfg.AdaptiveBitrate)
	return nil
}

// teardown closes the inputs, collapses the encoder chain, and stops the
// session so its connection and telemetry goroutines do not outlive the
// attempt. Runs on the management goroutine.
func (e *Engine) teardown() {
	e.mu.Lock()
	m := e.muxer
	sess := e.sess
	e.muxer = nil
	e.videoEnc = nil
	e.audioEnc = nil
	e.vsplit = nil
	e.asplit = nil
	e.mu.Unlock()

	e.videoIn.sink.Store(nil)
	e.audioIn.sink.Store(nil)
	e.ctrl.Reset()

	stopSession := func() {
		if sess != nil {
			sess.Stop(nil)
		}
	}
	if m != nil {
		m.Stop(func() {
			e.log.Info("multiplexer drained", "forwarded", m.Forwarded())
			stopSession()
		})
	} else {
		stopSession()
	}
	e.shutdownQueue()
}

func (e *Engine) shutdownQueue() {
	e.qmu.Lock()
	if !e.qclosed {
		e.qclosed = true
		close(e.tasks)
	}
	e.qmu.Unlock()
}

// handleBandwidth applies one telemetry tick to the bitrate controller and
// pushes any resulting targets into the encoders. Runs on the management
// goroutine.
func (e *Engine) handleBandwidth(dir session.Direction, predicted, instant float64) {
	video, audio, changed := e.ctrl.Adjust(dir)
	if !changed {
		return
	}
	e.mu.Lock()
	venc, aenc, sess := e.videoEnc, e.audioEnc, e.sess
	e.mu.Unlock()
	if venc != nil {
		venc.SetBitrate(video)
	}
	if aenc != nil {
		aenc.SetBitrate(audio)
	}
	if sess != nil {
		// Telemetry must judge throughput against what the encoders now
		// produce, or a reduced stream reads as permanent starvation.
		sess.SetTargetBitrate(video)
	}
	e.log.Debug("bitrate retargeted",
		"direction", dir.String(), "video_bps", video, "audio_bps", audio,
		"predicted_Bps", predicted, "instant_Bps", instant)
}

// EndAudio marks the audio stream finished so the multiplexer stops waiting
// on it. Video continues uninterrupted.
func (e *Engine) EndAudio() {
	e.post(func() {
		e.audioIn.sink.Store(nil)
		e.mu.Lock()
		m := e.muxer
		n := len(e.descs)
		e.mu.Unlock()
		if m != nil && n > 1 {
			m.EndStream(1)
		}
	})
}

// Stop tears down the pipeline in order: inputs close, the multiplexer
// flushes into the session, the session disconnects, then completion fires.
// Completion is the join mechanism; teardown is asynchronous.
func (e *Engine) Stop(completion func()) {
	task := func() {
		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			if completion != nil {
				completion()
			}
			return
		}
		e.stopping = true
		m := e.muxer
		sess := e.sess
		e.muxer = nil
		e.mu.Unlock()

		e.videoIn.sink.Store(nil)
		e.audioIn.sink.Store(nil)

		finish := func() {
			e.ctrl.Reset()
			e.shutdownQueue()
			if completion != nil {
				completion()
			}
		}
		stopSession := func() {
			if sess != nil {
				sess.Stop(func() { finish() })
				return
			}
			finish()
		}
		if m != nil {
			m.Stop(stopSession)
			return
		}
		stopSession()
	}

	if !e.enqueue(task) {
		// The queue has already shut down (or is saturated): run the task
		// off the management goroutine. Everything it touches is guarded, so
		// completion still fires after the pipeline is gone.
		go task()
	}
}

// Done is closed when the management goroutine has exited: after Stop
// completes or after the session reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the management goroutine has exited, bounded by d.
func (e *Engine) Wait(d time.Duration) bool {
	select {
	case <-e.done:
		return true
	case <-time.After(d):
		return false
	}
}
