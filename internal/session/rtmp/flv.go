package rtmp

import (
	"bytes"
	"io"
	"time"

	amf0 "github.com/yutopp/go-amf0"
	rtmp "github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/session"
)

// FLV tag constants for AVC video and AAC audio bodies.
const (
	flvVideoKeyAVC   = 0x17 // keyframe, codec 7 (AVC)
	flvVideoInterAVC = 0x27 // inter frame, codec 7
	flvAudioAAC      = 0xAF // AAC, 44kHz flag, 16-bit, stereo flag

	avcSeqHeader = 0x00
	avcNALU      = 0x01
	aacSeqHeader = 0x00
	aacRaw       = 0x01
)

// videoTag builds the FLV video tag body for one unit: frame/codec byte,
// AVC packet type, 24-bit composition-time offset, then the payload.
// Parameter-set units become AVC sequence headers.
func videoTag(u *media.Unit) io.Reader {
	body := make([]byte, 0, 5+len(u.Payload))

	frame := byte(flvVideoInterAVC)
	if u.Key {
		frame = flvVideoKeyAVC
	}
	packetType := byte(avcNALU)
	if u.Headers {
		packetType = avcSeqHeader
	}

	cts := uint32((u.PTS - u.DTS) / time.Millisecond)
	body = append(body,
		frame,
		packetType,
		byte(cts>>16), byte(cts>>8), byte(cts),
	)
	return bytes.NewReader(append(body, u.Payload...))
}

// audioTag builds the FLV audio tag body for one unit. Header units become
// AAC sequence headers (AudioSpecificConfig).
func audioTag(u *media.Unit) io.Reader {
	packetType := byte(aacRaw)
	if u.Headers {
		packetType = aacSeqHeader
	}
	body := make([]byte, 0, 2+len(u.Payload))
	body = append(body, flvAudioAAC, packetType)
	return bytes.NewReader(append(body, u.Payload...))
}

// writeMetadata publishes the onMetaData data frame describing the stream's
// negotiated parameters, AMF0-encoded per the FLV convention.
func (s *Session) writeMetadata(p session.Params, stream *rtmp.Stream) error {
	channels := 1
	if p.Stereo {
		channels = 2
	}
	fps := 0.0
	if p.FrameDuration > 0 {
		fps = float64(time.Second) / float64(p.FrameDuration)
	}

	meta := map[string]interface{}{
		"width":           float64(p.Width),
		"height":          float64(p.Height),
		"framerate":       fps,
		"videodatarate":   float64(p.Bitrate) / 1000,
		"videocodecid":    7, // AVC
		"audiosamplerate": float64(p.AudioSampleRate),
		"audiochannels":   float64(channels),
		"stereo":          p.Stereo,
		"audiocodecid":    10, // AAC
		"encoder":         "refract",
	}

	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return err
	}
	if err := enc.Encode(meta); err != nil {
		return err
	}

	return stream.Write(videoChunkID, 0, &rtmpmsg.DataMessage{
		Name:     "@setDataFrame",
		Encoding: rtmpmsg.EncodingTypeAMF0,
		Body:     &buf,
	})
}
