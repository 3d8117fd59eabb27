package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/session"
)

// fakeSession drives engine behavior without a network. Transitions are
// triggered by the test through the embedded Lifecycle.
type fakeSession struct {
	*session.Lifecycle

	mu        sync.Mutex
	params    session.Params
	units     []*media.Unit
	started   bool
	stopped   bool
	targetBps int
}

func newFakeSession() *fakeSession {
	return &fakeSession{Lifecycle: session.NewLifecycle(nil)}
}

func (f *fakeSession) SetParams(p session.Params) {
	f.mu.Lock()
	f.params = p
	f.mu.Unlock()
}

func (f *fakeSession) Start() error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Stop(completion func()) {
	go func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
		f.Transition(f, session.StateEnded)
		f.CloseNotifier()
		if completion != nil {
			completion()
		}
	}()
}

func (f *fakeSession) Push(u *media.Unit) {
	if f.State() != session.StateStarted {
		return
	}
	f.mu.Lock()
	f.units = append(f.units, u)
	f.mu.Unlock()
}

func (f *fakeSession) SetTargetBitrate(bps int) {
	f.mu.Lock()
	f.targetBps = bps
	f.mu.Unlock()
}

func (f *fakeSession) unitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

func (f *fakeSession) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeSession) target() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targetBps
}

func validConfig() Config {
	return Config{
		Params: session.Params{
			URI:             "rtmp://example.com/live/key",
			Width:           1280,
			Height:          720,
			FrameDuration:   33 * time.Millisecond,
			Bitrate:         2_000_000,
			AudioSampleRate: 48_000,
			Stereo:          true,
		},
		Audio:           true,
		AdaptiveBitrate: true,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func videoSample(pts time.Duration) *media.Sample {
	return &media.Sample{
		Data:     []byte{0x00, 0x01, 0x02, 0x03},
		PTS:      pts,
		Duration: 33 * time.Millisecond,
		Type:     media.TypeVideo,
	}
}

func TestLazyAttachOnStarted(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)

	// Samples pushed before Start, and before the session is started, are
	// dropped without side effects.
	e.VideoInput().PushSample(videoSample(0))

	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Epoch() == nil {
		t.Fatal("epoch not set after Start")
	}
	if got := len(e.Descriptors()); got != 2 {
		t.Fatalf("descriptors = %d, want 2", got)
	}

	// Still no encoder chain until the session reports started.
	e.VideoInput().PushSample(videoSample(33 * time.Millisecond))
	if e.VideoTap() != nil {
		t.Fatal("graph attached before session started")
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	// The muxer holds video until the silent audio lane passes its idle
	// timeout, and it only re-evaluates on push, so keep feeding frames.
	i := 0
	eventually(t, func() bool {
		e.VideoInput().PushSample(videoSample(time.Duration(i) * 33 * time.Millisecond))
		i++
		return fs.unitCount() > 0
	}, "no units reached the session")
}

func TestTeardownOnError(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	fs.Transition(fs, session.StateError)
	eventually(t, func() bool { return e.VideoTap() == nil }, "graph not torn down on error")

	// The supervisor must also stop the session so its connection and
	// telemetry do not outlive the attempt.
	eventually(t, fs.wasStopped, "session not stopped after the error state")

	// Inputs are closed; further samples vanish silently.
	before := fs.unitCount()
	e.VideoInput().PushSample(videoSample(time.Second))
	time.Sleep(20 * time.Millisecond)
	if fs.unitCount() != before {
		t.Error("sample forwarded after teardown")
	}
}

func TestStopCompletesAfterErrorTeardown(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	fs.Transition(fs, session.StateError)
	if !e.Wait(2 * time.Second) {
		t.Fatal("management goroutine did not exit after the error state")
	}

	// A stop after the error-path teardown must still join.
	done := make(chan struct{})
	e.Stop(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop completion never fired after error teardown")
	}
}

func TestBandwidthRetargetsEncoders(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	if got := e.ctrl.Video(); got != 2_000_000 {
		t.Fatalf("initial video target = %d, want ceiling", got)
	}

	fs.ReportBandwidth(session.Decrease, 100_000, 90_000)
	eventually(t, func() bool { return e.ctrl.Video() == 1_616_000 },
		"decrease tick did not move the video target")
	if got := e.ctrl.Audio(); got != 128_000 {
		t.Errorf("audio target = %d, want 128000", got)
	}

	// The session's telemetry target follows the adapted rate, or throughput
	// would read as starvation against the original bitrate forever.
	eventually(t, func() bool { return fs.target() == 1_616_000 },
		"session telemetry target not retargeted")

	// The encoder commits a pending bitrate at the next frame boundary.
	e.mu.Lock()
	enc := e.videoEnc
	e.mu.Unlock()
	i := 0
	eventually(t, func() bool {
		e.VideoInput().PushSample(videoSample(time.Duration(i) * 33 * time.Millisecond))
		i++
		return enc.Bitrate() == 1_616_000
	}, "encoder never committed the new target")
}

func TestStopFlushesAndCompletes(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	done := make(chan struct{})
	e.Stop(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop completion never fired")
	}

	fs.mu.Lock()
	stopped := fs.stopped
	fs.mu.Unlock()
	if !stopped {
		t.Error("session was not stopped")
	}
	if !e.Wait(2 * time.Second) {
		t.Error("management goroutine did not exit")
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Params.Bitrate = 0
	if err := New(cfg, nil).Start(newFakeSession()); err == nil {
		t.Error("Start accepted a zero bitrate")
	}

	cfg = validConfig()
	cfg.Params.AudioSampleRate = 0
	if err := New(cfg, nil).Start(newFakeSession()); err == nil {
		t.Error("Start accepted audio without a sample rate")
	}

	cfg = validConfig()
	e := New(cfg, nil)
	fs := newFakeSession()
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(fs); err == nil {
		t.Error("second Start on the same engine succeeded")
	}
}

func TestDescriptorsFreshPerAttempt(t *testing.T) {
	t.Parallel()

	e1 := New(validConfig(), nil)
	e2 := New(validConfig(), nil)
	if err := e1.Start(newFakeSession()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e2.Start(newFakeSession()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d1, d2 := e1.Descriptors(), e2.Descriptors()
	if len(d1) != len(d2) {
		t.Fatalf("descriptor counts differ: %d vs %d", len(d1), len(d2))
	}
	for i := range d1 {
		if d1[i] != d2[i] {
			t.Errorf("descriptor %d differs across equally configured attempts", i)
		}
	}
	// Independent sets: mutating one attempt's slice leaves the other alone.
	d1[0].Index = 99
	if e2.Descriptors()[0].Index == 99 {
		t.Error("descriptor sets share backing storage across attempts")
	}
	if e1.Epoch() == e2.Epoch() {
		t.Error("attempts share an epoch")
	}
}

func TestEndAudioKeepsVideoFlowing(t *testing.T) {
	t.Parallel()

	fs := newFakeSession()
	e := New(validConfig(), nil)
	if err := e.Start(fs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fs.Transition(fs, session.StateStarting)
	fs.Transition(fs, session.StateStarted)
	eventually(t, func() bool { return e.VideoTap() != nil }, "graph never attached")

	e.EndAudio()

	i := 0
	eventually(t, func() bool {
		e.VideoInput().PushSample(videoSample(time.Duration(i) * 33 * time.Millisecond))
		i++
		return fs.unitCount() > 0
	}, "video stalled after audio ended")
}
