// Package codec defines the encoder contract the graph expects from a
// hardware or software encoder, a startup-time factory registry keyed by
// codec identity, and the packetizers that reframe elementary-stream units
// for the target transport.
package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
)

// Encoder is a transform that consumes raw samples and produces compressed
// units for its configured output. Implementations must honor SetBitrate by
// the next encoded unit at the latest, never mid-frame, and must tag key
// units on the units they produce.
type Encoder interface {
	graph.SampleSink
	graph.Source

	// SetBitrate requests a new target bitrate in bits per second. The
	// change is best-effort and takes effect at the next encodable unit.
	SetBitrate(bps int)
	Bitrate() int
}

// Config carries the negotiated encoder parameters for one stream.
type Config struct {
	Descriptor    media.StreamDescriptor
	Width         int
	Height        int
	FrameDuration time.Duration
	Bitrate       int
	SampleRate    int
	Channels      int
	GOP           int // key-unit interval in frames; 0 selects a default
}

// Factory constructs an Encoder for a stream.
type Factory func(cfg Config) (Encoder, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[media.Codec]Factory)
)

// Register installs a factory for the given codec. Typically called from an
// init function. Registering the same codec twice panics, matching the
// closed-dispatch intent: exactly one implementation per codec identity.
func Register(c media.Codec, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[c]; dup {
		panic(fmt.Sprintf("codec: Register called twice for %s", c))
	}
	registry[c] = f
}

// New constructs an encoder for the codec named in cfg.Descriptor.
func New(cfg Config) (Encoder, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Descriptor.Codec]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: no encoder registered for %s", cfg.Descriptor.Codec)
	}
	return f(cfg)
}

// Registered reports whether a factory exists for the codec.
func Registered(c media.Codec) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[c]
	return ok
}
