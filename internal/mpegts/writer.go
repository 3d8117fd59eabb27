package mpegts

import (
	"time"

	"github.com/zsiec/refract/internal/media"
)

// Writer converts multiplexed units into 188-byte transport packets. It is
// not safe for concurrent use; the session output path is single-threaded
// downstream of the muxer.
type Writer struct {
	descs map[int]media.StreamDescriptor
	cc    map[uint16]uint8
	pat   []byte
	pmt   []byte

	hasVideo bool
	sincePSI int
}

// NewWriter creates a Writer for the session's stream descriptors. The
// program tables are built once; descriptors are immutable per session.
func NewWriter(descs []media.StreamDescriptor) *Writer {
	w := &Writer{
		descs: make(map[int]media.StreamDescriptor, len(descs)),
		cc:    make(map[uint16]uint8),
		// Force tables ahead of the first unit.
		sincePSI: psiInterval,
	}
	for _, d := range descs {
		w.descs[d.Index] = d
		if d.Type == media.TypeVideo {
			w.hasVideo = true
		}
	}
	w.pat = w.buildPAT()
	w.pmt = w.buildPMT(descs)
	return w
}

// WriteUnit returns the transport packets carrying one unit, preceded by a
// program table refresh when due. Units for unknown streams yield nil.
func (w *Writer) WriteUnit(u *media.Unit) []byte {
	d, ok := w.descs[u.Stream]
	if !ok {
		return nil
	}

	var out []byte
	refresh := w.sincePSI >= psiInterval || (u.Key && d.Type == media.TypeVideo)
	if refresh {
		out = append(out, w.writeSection(pidPAT, w.pat)...)
		out = append(out, w.writeSection(pidPMT, w.pmt)...)
		w.sincePSI = 0
	}

	pes := buildPES(streamIDFor(d), u)
	withPCR := d.Type == media.TypeVideo || !w.hasVideo
	out = append(out, w.writePES(pidFor(d), pes, ptsTicks(u.PTS), withPCR)...)
	w.sincePSI += len(out) / PacketSize
	return out
}

// ptsTicks converts an epoch offset to the 33-bit 90 kHz clock.
func ptsTicks(off time.Duration) int64 {
	return int64(off) * 90000 / int64(time.Second) & 0x1FFFFFFFF
}

// writeSection wraps a PSI section in a single transport packet with a
// pointer field and stuffing.
func (w *Writer) writeSection(pid uint16, section []byte) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8) // payload_unit_start_indicator
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | w.nextCC(pid) // payload only
	pkt[4] = 0x00                 // pointer field
	n := copy(pkt[5:], section)
	for i := 5 + n; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// writePES splits a PES packet across transport packets, inserting a PCR on
// the first packet when requested and stuffing the final packet.
func (w *Writer) writePES(pid uint16, pes []byte, pcrBase int64, withPCR bool) []byte {
	var out []byte
	first := true

	for len(pes) > 0 {
		pkt := make([]byte, 0, PacketSize)
		flags := byte(0x10) // payload
		header := []byte{
			syncByte,
			byte(pid >> 8),
			byte(pid),
			0,
		}
		if first {
			header[1] |= 0x40
		}

		var af []byte
		if first && withPCR {
			af = appendPCR([]byte{0x10}, pcrBase) // PCR_flag
		}

		capacity := PacketSize - 4 - afWireLen(af)
		if len(pes) < capacity {
			// Stuff the adaptation field so the payload ends the packet.
			pad := capacity - len(pes)
			if af == nil && pad > 0 {
				if pad == 1 {
					af = make([]byte, 0) // length byte only
					pad = 0
				} else {
					af = []byte{0x00}
					pad -= 2 // length byte + flags byte
				}
			}
			for i := 0; i < pad; i++ {
				af = append(af, 0xFF)
			}
			capacity = len(pes)
		}

		if af != nil {
			flags |= 0x20
		}
		header[3] = flags | w.nextCC(pid)
		pkt = append(pkt, header...)
		if af != nil {
			pkt = append(pkt, byte(len(af)))
			pkt = append(pkt, af...)
		}
		pkt = append(pkt, pes[:capacity]...)
		pes = pes[capacity:]

		out = append(out, pkt...)
		first = false
	}
	return out
}

// afWireLen is the on-wire size of an adaptation field body including its
// length byte, or zero when absent.
func afWireLen(af []byte) int {
	if af == nil {
		return 0
	}
	return 1 + len(af)
}

func (w *Writer) nextCC(pid uint16) byte {
	cc := w.cc[pid]
	w.cc[pid] = (cc + 1) & 0x0F
	return cc
}

// buildPES constructs the PES packet for one unit: start code, stream ID,
// optional header with PTS (and DTS when it differs), then the payload.
func buildPES(streamID byte, u *media.Unit) []byte {
	pts := ptsTicks(u.PTS)
	dts := ptsTicks(u.DTS)
	withDTS := u.DTS != 0 && dts != pts

	headerLen := 5
	ptsdts := byte(0x80)
	if withDTS {
		headerLen = 10
		ptsdts = 0xC0
	}

	packetLen := 3 + headerLen + len(u.Payload)
	if packetLen > 0xFFFF {
		packetLen = 0 // unbounded, allowed for video
	}

	pes := make([]byte, 0, 9+headerLen+len(u.Payload))
	pes = append(pes,
		0x00, 0x00, 0x01, streamID,
		byte(packetLen>>8), byte(packetLen),
		0x80,   // marker bits
		ptsdts, // PTS_DTS_flags
		byte(headerLen),
	)
	if withDTS {
		pes = appendTimestamp(pes, 0x30, pts)
		pes = appendTimestamp(pes, 0x10, dts)
	} else {
		pes = appendTimestamp(pes, 0x20, pts)
	}
	return append(pes, u.Payload...)
}

// appendTimestamp encodes a 33-bit timestamp into the 5-byte PES form with
// the given prefix nibble and marker bits.
func appendTimestamp(dst []byte, prefix byte, ts int64) []byte {
	return append(dst,
		prefix|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)|0x01,
		byte(ts>>7),
		byte(ts<<1)|0x01,
	)
}

// appendPCR encodes the program clock reference (base only, zero extension).
func appendPCR(dst []byte, base int64) []byte {
	return append(dst,
		byte(base>>25),
		byte(base>>17),
		byte(base>>9),
		byte(base>>1),
		byte(base&1)<<7|0x7E,
		0x00,
	)
}

// buildPAT builds the single-program association section (program 1 at the
// PMT PID), CRC included, without the transport packet framing.
func (w *Writer) buildPAT() []byte {
	body := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax + length 13
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number 1
		0xE0 | byte(pidPMT>>8), byte(pidPMT & 0xFF),
	}
	crc := computeCRC32(body)
	return append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// buildPMT builds the program map section listing each elementary stream,
// CRC included.
func (w *Writer) buildPMT(descs []media.StreamDescriptor) []byte {
	pcrPID := pidAudio
	if w.hasVideo {
		pcrPID = pidVideo
	}

	var streams []byte
	for _, d := range descs {
		pid := pidFor(d)
		streams = append(streams,
			streamTypeFor(d),
			0xE0|byte(pid>>8), byte(pid),
			0xF0, 0x00, // ES_info_length 0
		)
	}

	sectionLen := 9 + len(streams) + 4
	body := []byte{
		0x02, // table_id
		0xB0 | byte(sectionLen>>8), byte(sectionLen),
		0x00, 0x01, // program_number
		0xC1,
		0x00, 0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	body = append(body, streams...)
	crc := computeCRC32(body)
	return append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}
