package srt

import (
	"bytes"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/session"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		uri      string
		addr     string
		streamID string
		wantErr  bool
	}{
		{
			name: "plain",
			uri:  "srt://ingest.example.com:9000",
			addr: "ingest.example.com:9000",
		},
		{
			name:     "with stream id",
			uri:      "srt://10.0.0.5:7001?streamid=live/abc123",
			addr:     "10.0.0.5:7001",
			streamID: "live/abc123",
		},
		{
			name:    "missing port",
			uri:     "srt://ingest.example.com",
			wantErr: true,
		},
		{
			name:    "wrong scheme",
			uri:     "udp://host:9000",
			wantErr: true,
		},
		{
			name:    "garbage",
			uri:     "://nope",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addr, streamID, err := parseURI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseURI(%q) succeeded, want error", tt.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseURI(%q): %v", tt.uri, err)
			}
			if addr != tt.addr {
				t.Errorf("addr = %q, want %q", addr, tt.addr)
			}
			if streamID != tt.streamID {
				t.Errorf("streamID = %q, want %q", streamID, tt.streamID)
			}
		})
	}
}

func TestSplitChunks(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 10)
	for i := range buf {
		buf[i] = byte(i)
	}

	sends, rest := splitChunks(buf, 4)
	if len(sends) != 2 {
		t.Fatalf("got %d sends, want 2", len(sends))
	}
	if !bytes.Equal(sends[0], buf[0:4]) || !bytes.Equal(sends[1], buf[4:8]) {
		t.Error("send contents do not match input order")
	}
	if !bytes.Equal(rest, buf[8:10]) {
		t.Errorf("rest = %v, want %v", rest, buf[8:10])
	}

	sends, rest = splitChunks(rest, 4)
	if len(sends) != 0 {
		t.Errorf("short buffer produced %d sends, want 0", len(sends))
	}
	if len(rest) != 2 {
		t.Errorf("rest length = %d, want 2", len(rest))
	}
}

func TestStartRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	descs := []media.StreamDescriptor{
		{Index: 0, Type: media.TypeVideo, Codec: media.CodecH264, Timescale: media.VideoTimescale},
	}
	s := New(descs, nil)
	s.SetParams(session.Params{
		URI:           "udp://host:9000",
		Width:         1280,
		Height:        720,
		FrameDuration: 33 * time.Millisecond,
		Bitrate:       2_000_000,
	})
	if err := s.Start(); err == nil {
		t.Fatal("Start with non-SRT URI succeeded, want error")
	}
	if got := s.State(); got != session.StateNone {
		t.Errorf("state after rejected start = %v, want none", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	s := New(nil, nil)
	first := make(chan struct{})
	second := make(chan struct{})
	s.Stop(func() { close(first) })
	s.Stop(func() { close(second) })

	for _, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop completion never fired")
		}
	}
}

func TestChunkSizeDefault(t *testing.T) {
	t.Parallel()

	s := New(nil, nil)
	s.SetParams(session.Params{URI: "srt://host:9000"})
	if s.chunk != defaultChunkSize {
		t.Errorf("chunk = %d, want %d", s.chunk, defaultChunkSize)
	}

	s2 := New(nil, nil)
	s2.SetParams(session.Params{URI: "srt://host:9000", ChunkSize: 188})
	if s2.chunk != 188 {
		t.Errorf("chunk = %d, want 188", s2.chunk)
	}
}
