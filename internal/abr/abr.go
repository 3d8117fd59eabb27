// Package abr implements the adaptive bitrate controller. It consumes the
// three-valued bandwidth direction signal from a session and moves the video
// bitrate one band-sized step per tick, re-deriving the audio bitrate from
// the new video bitrate. The controller is hysteresis-free: smoothing of raw
// throughput samples is the responsibility of whatever computes direction.
package abr

import (
	"log/slog"
	"sync"

	"github.com/zsiec/refract/internal/session"
)

// DefaultFloor is the minimum viable video bitrate in bits per second.
const DefaultFloor = 64_000

// Band maps a video bitrate range to the step size used inside it. A bitrate
// belongs to the first band whose Min it meets.
type Band struct {
	Min  int
	Step int
}

// defaultBands holds the step schedule: larger bitrates move in larger
// steps. Bands must stay sorted by Min descending.
var defaultBands = []Band{
	{Min: 1_152_001, Step: 384_000},
	{Min: 512_001, Step: 128_000},
	{Min: 128_001, Step: 64_000},
	{Min: 0, Step: 32_000},
}

// audioBitrateFor derives the audio bitrate from a video bitrate. Audio is
// never adapted independently.
func audioBitrateFor(videoBps int) int {
	switch {
	case videoBps > 500_000:
		return 128_000
	case videoBps > 250_000:
		return 96_000
	default:
		return 80_000
	}
}

// Config holds controller tuning. Zero values pick the defaults.
type Config struct {
	// Ceiling is the video bitrate requested at session start. Adaptation
	// never exceeds it.
	Ceiling int
	// Floor is the minimum viable video bitrate. Defaults to DefaultFloor.
	Floor int
	// Enabled turns adaptation on. A disabled controller holds the ceiling.
	Enabled bool
	// Bands overrides the step schedule. Must be sorted by Min descending
	// and end with a Min of 0.
	Bands []Band
}

// Controller tracks the per-session bitrate state. Safe for concurrent use;
// in practice all calls arrive on the session's notification context.
type Controller struct {
	log   *slog.Logger
	bands []Band
	floor int

	mu      sync.Mutex
	ceiling int
	video   int
	audio   int
	enabled bool
}

// New creates a controller starting at the configured ceiling.
func New(cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	floor := cfg.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}
	bands := cfg.Bands
	if len(bands) == 0 {
		bands = defaultBands
	}
	ceiling := cfg.Ceiling
	if ceiling < floor {
		ceiling = floor
	}
	c := &Controller{
		log:     log.With("component", "abr"),
		bands:   bands,
		floor:   floor,
		ceiling: ceiling,
		enabled: cfg.Enabled,
	}
	c.video = ceiling
	c.audio = audioBitrateFor(ceiling)
	return c
}

// Video returns the current video bitrate target.
func (c *Controller) Video() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

// Audio returns the current audio bitrate target.
func (c *Controller) Audio() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

// SetEnabled toggles adaptation. Disabling does not restore the ceiling;
// use Reset for that.
func (c *Controller) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
}

// SetCeiling raises or lowers the ceiling. Honored only while adaptation is
// disabled; while enabled the ceiling set at session start stands.
func (c *Controller) SetCeiling(bps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled || bps < c.floor {
		return
	}
	c.ceiling = bps
	c.video = bps
	c.audio = audioBitrateFor(bps)
}

// Reset restores the video bitrate to the ceiling, as at session end.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = c.ceiling
	c.audio = audioBitrateFor(c.ceiling)
}

// Adjust applies one direction tick. It returns the resulting video and
// audio bitrates and whether the video bitrate changed.
func (c *Controller) Adjust(dir session.Direction) (videoBps, audioBps int, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || dir == session.Hold {
		return c.video, c.audio, false
	}

	step := c.stepFor(c.video)
	next := c.video
	switch dir {
	case session.Decrease:
		next -= step
	case session.Increase:
		next += step
	}
	if next < c.floor {
		next = c.floor
	}
	if next > c.ceiling {
		next = c.ceiling
	}
	if next == c.video {
		return c.video, c.audio, false
	}

	c.video = next
	c.audio = audioBitrateFor(next)
	c.log.Debug("bitrate adjusted",
		"direction", dir, "video_bps", c.video, "audio_bps", c.audio)
	return c.video, c.audio, true
}

func (c *Controller) stepFor(videoBps int) int {
	for _, b := range c.bands {
		if videoBps >= b.Min {
			return b.Step
		}
	}
	return c.bands[len(c.bands)-1].Step
}
