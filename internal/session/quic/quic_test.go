package quic

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/zsiec/refract/internal/session"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		uri     string
		addr    string
		wantErr bool
	}{
		{name: "valid", uri: "quic://edge.example.com:4443", addr: "edge.example.com:4443"},
		{name: "ip", uri: "quic://192.168.1.20:9443", addr: "192.168.1.20:9443"},
		{name: "missing port", uri: "quic://edge.example.com", wantErr: true},
		{name: "wrong scheme", uri: "https://edge.example.com:4443", wantErr: true},
		{name: "garbage", uri: "://x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addr, err := parseURI(tt.uri)
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
		})
	}
}

func TestTLSDefaults(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil)
	if s.tls.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %d, want TLS 1.3", s.tls.MinVersion)
	}
	if len(s.tls.NextProtos) != 1 || s.tls.NextProtos[0] != alpnProtocol {
		t.Errorf("NextProtos = %v, want [%s]", s.tls.NextProtos, alpnProtocol)
	}

	// A caller-supplied config is cloned, not mutated.
	supplied := &tls.Config{ServerName: "edge.example.com"}
	s2 := New(nil, supplied, nil)
	if len(supplied.NextProtos) != 0 {
		t.Error("supplied config was mutated")
	}
	if s2.tls.ServerName != "edge.example.com" {
		t.Errorf("ServerName = %q, want preserved", s2.tls.ServerName)
	}
	if len(s2.tls.NextProtos) != 1 || s2.tls.NextProtos[0] != alpnProtocol {
		t.Errorf("NextProtos = %v, want ALPN filled in", s2.tls.NextProtos)
	}
}

func TestStartRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil)
	s.SetParams(session.Params{
		URI:           "rtmp://host/live/key",
		Width:         1920,
		Height:        1080,
		FrameDuration: 33 * time.Millisecond,
		Bitrate:       4_000_000,
	})
	if err := s.Start(); err == nil {
		t.Fatal("Start with non-QUIC URI succeeded, want error")
	}
	if got := s.State(); got != session.StateNone {
		t.Errorf("state after rejected start = %v, want none", got)
	}
}

func TestCommitRefusedAfterStop(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil)
	if !s.commit(nil, nil) {
		t.Fatal("fresh session refused the handshake commit")
	}

	// A stop racing the handshake must win: the connection is never
	// committed, so the dialer closes it instead of leaking it.
	s = New(nil, nil, nil)
	done := make(chan struct{})
	s.Stop(func() { close(done) })
	<-done
	if s.commit(nil, nil) {
		t.Error("commit accepted after stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil)
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
