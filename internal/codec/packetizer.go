package codec

import (
	"time"

	"github.com/zsiec/refract/internal/clock"
	"github.com/zsiec/refract/internal/graph"
	"github.com/zsiec/refract/internal/media"
)

// maxVideoChunk bounds the payload size of a single packetized video unit.
// Oversized encoder output is split into sequential chunks that preserve
// input order and share the original timestamps.
const maxVideoChunk = 256 * 1024

// VideoPacketizer reframes compressed video units for the transport: it
// emits the codec parameter sets ahead of every key unit, chunks oversized
// units, and applies the presentation-time (CTS) offset. It never reorders.
type VideoPacketizer struct {
	graph.Forwarder
	desc      media.StreamDescriptor
	ctsOffset time.Duration
	params    []byte
	maxChunk  int
}

// NewVideoPacketizer creates a packetizer for desc. frameDuration sizes the
// CTS offset; ctsFrames <= 0 selects the default of two frames.
func NewVideoPacketizer(desc media.StreamDescriptor, frameDuration time.Duration, ctsFrames int) *VideoPacketizer {
	return &VideoPacketizer{
		desc:      desc,
		ctsOffset: clock.CTSOffset(frameDuration, ctsFrames),
		maxChunk:  maxVideoChunk,
	}
}

// SetParameterSets installs the codec parameter sets (e.g. SPS+PPS) that
// will be re-emitted ahead of every key unit so late joiners can decode.
func (p *VideoPacketizer) SetParameterSets(params []byte) {
	p.params = append([]byte(nil), params...)
}

// Push reframes one compressed unit. Ordering is preserved: parameter sets
// precede the key unit they describe, and chunks of one unit are delivered
// back to back before the next unit is accepted.
func (p *VideoPacketizer) Push(u *media.Unit) {
	if u == nil || len(u.Payload) == 0 {
		return
	}

	pts := u.PTS + p.ctsOffset
	dts := u.DTS

	if u.Key && len(p.params) > 0 {
		p.Forward(&media.Unit{
			Payload: p.params,
			PTS:     pts,
			DTS:     dts,
			Key:     true,
			Headers: true,
			Type:    media.TypeVideo,
			Stream:  p.desc.Index,
		})
	}

	payload := u.Payload
	first := true
	for len(payload) > 0 {
		n := len(payload)
		if n > p.maxChunk {
			n = p.maxChunk
		}
		p.Forward(&media.Unit{
			Payload: payload[:n],
			PTS:     pts,
			DTS:     dts,
			Key:     u.Key && first,
			Type:    media.TypeVideo,
			Stream:  p.desc.Index,
		})
		payload = payload[n:]
		first = false
	}
}

// adtsSampleRates maps AAC sampling frequencies to their ADTS header index.
var adtsSampleRates = map[int]int{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11,
}

// AudioPacketizer wraps compressed audio units in ADTS framing and applies
// the audio path's CTS offset. Cross-stream order is untouched: the
// packetizer only re-timestamps, it never reorders audio relative to video.
type AudioPacketizer struct {
	graph.Forwarder
	desc      media.StreamDescriptor
	ctsOffset time.Duration
	rateIndex int
	channels  int
	rateKnown bool
}

// NewAudioPacketizer creates a packetizer for desc with the given sample
// rate and channel count. frameDuration sizes the CTS offset.
func NewAudioPacketizer(desc media.StreamDescriptor, sampleRate, channels int, frameDuration time.Duration, ctsFrames int) *AudioPacketizer {
	idx, ok := adtsSampleRates[sampleRate]
	return &AudioPacketizer{
		desc:      desc,
		ctsOffset: clock.CTSOffset(frameDuration, ctsFrames),
		rateIndex: idx,
		channels:  channels,
		rateKnown: ok,
	}
}

// Push frames one audio unit. Units with an unrecognized sample rate are
// dropped locally; live delivery favors degradation over failure.
func (p *AudioPacketizer) Push(u *media.Unit) {
	if u == nil || len(u.Payload) == 0 || !p.rateKnown {
		return
	}

	p.Forward(&media.Unit{
		Payload: p.frame(u.Payload),
		PTS:     u.PTS + p.ctsOffset,
		DTS:     u.DTS,
		Key:     true,
		Type:    media.TypeAudio,
		Stream:  p.desc.Index,
	})
}

// frame prepends the 7-byte ADTS header (AAC-LC, no CRC) to one raw frame.
func (p *AudioPacketizer) frame(payload []byte) []byte {
	frameLen := len(payload) + 7
	out := make([]byte, 0, frameLen)
	out = append(out,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte(0x40|p.rateIndex<<2|p.channels>>2),
		byte(p.channels&0x03<<6|frameLen>>11&0x03),
		byte(frameLen>>3),
		byte(frameLen&0x07<<5|0x1F),
		0xFC,
	)
	return append(out, payload...)
}
