// Package capture provides synthetic capture sources: a test-pattern video
// source and a sine-tone audio source. Both honor the capture contract:
// monotonically non-decreasing per-source timestamps, pushed synchronously
// into the configured sink, and no pushes after Run returns.
package capture

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
)

// sink is the embeddable sample-output link shared by the sources.
type sink struct {
	mu  sync.RWMutex
	out graph.SampleSink
}

func (s *sink) SetSampleOutput(out graph.SampleSink) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

func (s *sink) push(sample *media.Sample) {
	s.mu.RLock()
	out := s.out
	s.mu.RUnlock()
	if out != nil {
		out.PushSample(sample)
	}
}

// PatternConfig configures the test-pattern video source.
type PatternConfig struct {
	Width         int
	Height        int
	FrameDuration time.Duration
}

func (c *PatternConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = time.Second / 30
	}
}

// Pattern generates SMPTE-style color-bar frames in I420 at a fixed rate.
type Pattern struct {
	sink
	log    *slog.Logger
	cfg    PatternConfig
	frame  []byte
	frames atomic.Int64
}

// NewPattern creates a test-pattern source. If log is nil, slog.Default()
// is used.
func NewPattern(cfg PatternConfig, log *slog.Logger) *Pattern {
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	p := &Pattern{
		log: log.With("component", "pattern-source"),
		cfg: cfg,
	}
	p.frame = renderColorBars(cfg.Width, cfg.Height)
	return p
}

// Frames returns the number of frames pushed so far.
func (p *Pattern) Frames() int64 { return p.frames.Load() }

// Run pushes one frame per frame duration until ctx is canceled. The sink
// stops receiving samples synchronously before Run returns.
func (p *Pattern) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FrameDuration)
	defer ticker.Stop()

	p.log.Info("pattern source running",
		"width", p.cfg.Width, "height", p.cfg.Height, "frame_duration", p.cfg.FrameDuration)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pattern source stopped", "frames", p.frames.Load())
			return ctx.Err()
		case <-ticker.C:
			n := p.frames.Add(1) - 1
			p.push(&media.Sample{
				Data:     p.frame,
				PTS:      time.Duration(n) * p.cfg.FrameDuration,
				Duration: p.cfg.FrameDuration,
				Type:     media.TypeVideo,
			})
		}
	}
}

// barLuma holds the BT.601 luma values for the eight 75% color bars.
var barLuma = [8]byte{180, 162, 131, 112, 84, 65, 35, 16}

// barChroma holds the matching Cb/Cr pairs.
var barChroma = [8][2]byte{
	{128, 128}, {44, 142}, {156, 44}, {72, 58},
	{184, 198}, {100, 212}, {212, 114}, {128, 128},
}

// renderColorBars fills one I420 frame with eight vertical bars.
func renderColorBars(w, h int) []byte {
	ySize := w * h
	uvSize := (w / 2) * (h / 2)
	buf := make([]byte, ySize+2*uvSize)
	yPlane := buf[:ySize]
	uPlane := buf[ySize : ySize+uvSize]
	vPlane := buf[ySize+uvSize:]

	barWidth := w / 8
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bar := x / barWidth
			if bar > 7 {
				bar = 7
			}
			yPlane[y*w+x] = barLuma[bar]
			if x%2 == 0 && y%2 == 0 {
				idx := (y/2)*(w/2) + x/2
				uPlane[idx] = barChroma[bar][0]
				vPlane[idx] = barChroma[bar][1]
			}
		}
	}
	return buf
}

// ToneConfig configures the sine-tone audio source.
type ToneConfig struct {
	SampleRate    int
	Stereo        bool
	Frequency     float64
	FrameDuration time.Duration
}

func (c *ToneConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48_000
	}
	if c.Frequency <= 0 {
		c.Frequency = 440
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
}

// Tone generates 16-bit little-endian PCM sine frames at a fixed rate.
type Tone struct {
	sink
	log    *slog.Logger
	cfg    ToneConfig
	frames atomic.Int64
}

// NewTone creates a sine-tone source. If log is nil, slog.Default() is used.
func NewTone(cfg ToneConfig, log *slog.Logger) *Tone {
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	return &Tone{
		log: log.With("component", "tone-source"),
		cfg: cfg,
	}
}

// Frames returns the number of audio frames pushed so far.
func (t *Tone) Frames() int64 { return t.frames.Load() }

// Run pushes one PCM frame per frame duration until ctx is canceled.
func (t *Tone) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.FrameDuration)
	defer ticker.Stop()

	samplesPerFrame := int(float64(t.cfg.SampleRate) * t.cfg.FrameDuration.Seconds())
	phaseStep := 2 * math.Pi * t.cfg.Frequency / float64(t.cfg.SampleRate)
	var phase float64

	t.log.Info("tone source running",
		"sample_rate", t.cfg.SampleRate, "frequency_hz", t.cfg.Frequency)

	for {
		select {
		case <-ctx.Done():
			t.log.Info("tone source stopped", "frames", t.frames.Load())
			return ctx.Err()
		case <-ticker.C:
			data, next := renderTone(samplesPerFrame, t.cfg.Stereo, phase, phaseStep)
			phase = next
			n := t.frames.Add(1) - 1
			t.push(&media.Sample{
				Data:     data,
				PTS:      time.Duration(n) * t.cfg.FrameDuration,
				Duration: t.cfg.FrameDuration,
				Type:     media.TypeAudio,
			})
		}
	}
}

// renderTone produces one frame of 16-bit PCM and the carried-over phase.
func renderTone(samples int, stereo bool, phase, step float64) ([]byte, float64) {
	channels := 1
	if stereo {
		channels = 2
	}
	buf := make([]byte, samples*channels*2)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(phase) * 0.3 * math.MaxInt16)
		phase += step
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			buf[off] = byte(v)
			buf[off+1] = byte(v >> 8)
		}
	}
	return buf, phase
}
