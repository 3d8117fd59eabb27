package rtmp

import (
	"io"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/media"
)

func TestParseURI(t *testing.T) {
	t.Parallel()
	cases := []struct {
		uri       string
		addr      string
		app       string
		streamKey string
		wantErr   bool
	}{
		{uri: "rtmp://live.example.com/live/abc123", addr: "live.example.com:1935", app: "live", streamKey: "abc123"},
		{uri: "rtmp://10.0.0.5:1936/app/nested/key", addr: "10.0.0.5:1936", app: "app/nested", streamKey: "key"},
		{uri: "rtmp://host/onlyapp", wantErr: true},
		{uri: "srt://host:6000/live/key", wantErr: true},
		{uri: "://bad", wantErr: true},
	}

	for _, tc := range cases {
		ep, err := parseURI(tc.uri)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.uri, err)
			continue
		}
		if ep.addr != tc.addr || ep.app != tc.app || ep.streamKey != tc.streamKey {
			t.Errorf("%s: got %+v", tc.uri, ep)
		}
	}
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read tag body: %v", err)
	}
	return b
}

func TestVideoTagKeyframe(t *testing.T) {
	t.Parallel()
	u := &media.Unit{
		Payload: []byte{0x65, 0x01},
		PTS:     100 * time.Millisecond,
		DTS:     66 * time.Millisecond,
		Key:     true,
		Type:    media.TypeVideo,
	}
	body := readAll(t, videoTag(u))

	if body[0] != flvVideoKeyAVC {
		t.Errorf("frame byte: got 0x%02X, want 0x%02X", body[0], flvVideoKeyAVC)
	}
	if body[1] != avcNALU {
		t.Errorf("packet type: got %d, want NALU", body[1])
	}
	cts := uint32(body[2])<<16 | uint32(body[3])<<8 | uint32(body[4])
	if cts != 34 {
		t.Errorf("composition time: got %d ms, want 34", cts)
	}
	if string(body[5:]) != string(u.Payload) {
		t.Error("payload mismatch")
	}
}

func TestVideoTagSequenceHeader(t *testing.T) {
	t.Parallel()
	u := &media.Unit{
		Payload: []byte{0x01, 0x64},
		Key:     true,
		Headers: true,
		Type:    media.TypeVideo,
	}
	body := readAll(t, videoTag(u))

	if body[0] != flvVideoKeyAVC {
		t.Errorf("frame byte: got 0x%02X, want keyframe", body[0])
	}
	if body[1] != avcSeqHeader {
		t.Errorf("packet type: got %d, want sequence header", body[1])
	}
}

func TestVideoTagInterFrame(t *testing.T) {
	t.Parallel()
	u := &media.Unit{Payload: []byte{0x41}, Type: media.TypeVideo}
	body := readAll(t, videoTag(u))
	if body[0] != flvVideoInterAVC {
		t.Errorf("frame byte: got 0x%02X, want inter frame", body[0])
	}
}

func TestAudioTag(t *testing.T) {
	t.Parallel()
	u := &media.Unit{Payload: []byte{0x21, 0x10}, Type: media.TypeAudio}
	body := readAll(t, audioTag(u))

	if body[0] != flvAudioAAC {
		t.Errorf("audio flags: got 0x%02X, want 0x%02X", body[0], flvAudioAAC)
	}
	if body[1] != aacRaw {
		t.Errorf("packet type: got %d, want raw", body[1])
	}
	if string(body[2:]) != string(u.Payload) {
		t.Error("payload mismatch")
	}
}

func TestStartRejectsInvalidParams(t *testing.T) {
	t.Parallel()
	s := New(nil)
	if err := s.Start(); err == nil {
		t.Error("Start without params should fail synchronously")
	}
}

func TestCommitRefusedAfterStop(t *testing.T) {
	t.Parallel()

	s := New(nil)
	if !s.commit(nil, nil) {
		t.Fatal("fresh session refused the handshake commit")
	}

	// A stop racing the handshake must win: the connection is never
	// committed, so the dialer closes it instead of leaking it.
	s = New(nil)
	done := make(chan struct{})
	s.Stop(func() { close(done) })
	<-done
	if s.commit(nil, nil) {
		t.Error("commit accepted after stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	s := New(nil)
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
