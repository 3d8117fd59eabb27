// Package media defines the core sample and unit types that flow through
// the refract processing graph, from capture through multiplexing.
package media

import "time"

// Type identifies the media kind carried by a sample or unit.
type Type int

const (
	TypeVideo Type = iota
	TypeAudio
)

func (t Type) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Codec identifies a registered codec. Codecs are a closed enumeration so
// the data path never dispatches on strings.
type Codec int

const (
	CodecNone Codec = iota
	CodecH264
	CodecAAC
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	default:
		return "none"
	}
}

// Sample is a raw captured buffer produced by a capture source. PTS is the
// offset from the session epoch. A sample is owned by its producer for the
// duration of the Push call; stages that need it longer must copy.
type Sample struct {
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
	Type     Type
}

// Unit is a compressed elementary-stream unit produced by an encoder or
// packetizer. Units are shared by pointer through the splitter, so stages
// must treat Payload as read-only.
type Unit struct {
	Payload []byte
	PTS     time.Duration
	DTS     time.Duration
	Key     bool
	Type    Type
	Stream  int // index of the owning StreamDescriptor
	Headers bool
}

// StreamDescriptor is the static per-session record for one elementary
// stream. It is created once at session setup and never mutated; a new
// session gets a fresh, independent set.
type StreamDescriptor struct {
	Index     int
	Type      Type
	Codec     Codec
	Timescale int64 // ticks per second
}

// ToTicks converts an epoch offset to ticks in the descriptor's timescale.
func (d StreamDescriptor) ToTicks(off time.Duration) int64 {
	return int64(off) * d.Timescale / int64(time.Second)
}

// FromTicks converts ticks in the descriptor's timescale to an epoch offset.
func (d StreamDescriptor) FromTicks(ticks int64) time.Duration {
	return time.Duration(ticks * int64(time.Second) / d.Timescale)
}

// Default timescales for the two stream kinds. Video uses the MPEG 90 kHz
// clock; audio uses its sample rate.
const (
	VideoTimescale = 90000
)
