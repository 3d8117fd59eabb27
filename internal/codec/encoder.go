package codec

import (
	"sync/atomic"

	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
)

// defaultGOP is the key-unit interval used when the config leaves GOP unset:
// two seconds at 30 fps.
const defaultGOP = 60

func init() {
	Register(media.CodecH264, newVideoEncoder)
	Register(media.CodecAAC, newAudioEncoder)
}

// videoEncoder is the in-tree stand-in for a hardware video encoder. It
// frames raw samples into units one-for-one, tags a key unit every GOP
// frames, and applies pending bitrate changes at frame boundaries only.
// A real hardware encoder satisfies the same Encoder contract.
type videoEncoder struct {
	graph.Forwarder
	cfg     Config
	bitrate atomic.Int64
	pending atomic.Int64 // next bitrate, applied at the next frame; 0 = none
	frames  int64
}

func newVideoEncoder(cfg Config) (Encoder, error) {
	if cfg.GOP <= 0 {
		cfg.GOP = defaultGOP
	}
	e := &videoEncoder{cfg: cfg}
	e.bitrate.Store(int64(cfg.Bitrate))
	return e, nil
}

func (e *videoEncoder) SetBitrate(bps int) {
	e.pending.Store(int64(bps))
}

func (e *videoEncoder) Bitrate() int {
	return int(e.bitrate.Load())
}

// PushSample encodes one raw sample into one unit. A sample the encoder
// cannot accept is dropped; per-unit failures are never fatal.
func (e *videoEncoder) PushSample(s *media.Sample) {
	if s == nil || len(s.Data) == 0 {
		return
	}
	if p := e.pending.Swap(0); p > 0 {
		e.bitrate.Store(p)
	}

	key := e.frames%int64(e.cfg.GOP) == 0
	e.frames++

	payload := make([]byte, len(s.Data))
	copy(payload, s.Data)

	e.Forward(&media.Unit{
		Payload: payload,
		PTS:     s.PTS,
		DTS:     s.PTS,
		Key:     key,
		Type:    media.TypeVideo,
		Stream:  e.cfg.Descriptor.Index,
	})
}

// audioEncoder is the stand-in audio encoder. Audio has no key-unit or GOP
// structure; every unit is independently decodable.
type audioEncoder struct {
	graph.Forwarder
	cfg     Config
	bitrate atomic.Int64
	pending atomic.Int64
}

func newAudioEncoder(cfg Config) (Encoder, error) {
	e := &audioEncoder{cfg: cfg}
	e.bitrate.Store(int64(cfg.Bitrate))
	return e, nil
}

func (e *audioEncoder) SetBitrate(bps int) {
	e.pending.Store(int64(bps))
}

func (e *audioEncoder) Bitrate() int {
	return int(e.bitrate.Load())
}

func (e *audioEncoder) PushSample(s *media.Sample) {
	if s == nil || len(s.Data) == 0 {
		return
	}
	if p := e.pending.Swap(0); p > 0 {
		e.bitrate.Store(p)
	}

	payload := make([]byte, len(s.Data))
	copy(payload, s.Data)

	e.Forward(&media.Unit{
		Payload: payload,
		PTS:     s.PTS,
		DTS:     s.PTS,
		Key:     true,
		Type:    media.TypeAudio,
		Stream:  e.cfg.Descriptor.Index,
	})
}
