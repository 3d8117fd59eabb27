// Package mpegts emits MPEG-TS transport packets for the SRT and QUIC
// transports: PAT/PMT program tables, PES packetization with PTS/DTS, PCR
// insertion, continuity counters, and adaptation-field stuffing.
package mpegts

import "github.com/zsiec/refract/internal/media"

const (
	// PacketSize is the fixed transport packet size.
	PacketSize = 188

	syncByte = 0x47

	pidPAT   uint16 = 0x0000
	pidPMT   uint16 = 0x1000
	pidVideo uint16 = 0x0100
	pidAudio uint16 = 0x0101

	streamTypeH264 = 0x1B
	streamTypeADTS = 0x0F

	streamIDVideo = 0xE0
	streamIDAudio = 0xC0
)

// psiInterval is the maximum number of transport packets between program
// table refreshes. Tables are additionally emitted ahead of every video key
// unit so receivers can lock on at any GOP boundary.
const psiInterval = 400

// pidFor maps a stream descriptor to its transport PID.
func pidFor(d media.StreamDescriptor) uint16 {
	if d.Type == media.TypeVideo {
		return pidVideo
	}
	return pidAudio
}

func streamTypeFor(d media.StreamDescriptor) byte {
	if d.Type == media.TypeVideo {
		return streamTypeH264
	}
	return streamTypeADTS
}

func streamIDFor(d media.StreamDescriptor) byte {
	if d.Type == media.TypeVideo {
		return streamIDVideo
	}
	return streamIDAudio
}
