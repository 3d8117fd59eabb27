package session

import "testing"

func TestTrackerSnapshot(t *testing.T) {
	t.Parallel()

	var tr Tracker
	s := tr.Snapshot()
	if s.BytesSent != 0 || s.UnitsSent != 0 || s.ConnectedAt != 0 || s.UptimeMs != 0 {
		t.Errorf("zero tracker snapshot = %+v", s)
	}

	tr.Connected("srt://host:9000")
	tr.Sent(1316)
	tr.Sent(1316)
	tr.Sent(188)

	s = tr.Snapshot()
	if s.BytesSent != 2820 {
		t.Errorf("bytes = %d, want 2820", s.BytesSent)
	}
	if s.UnitsSent != 3 {
		t.Errorf("units = %d, want 3", s.UnitsSent)
	}
	if s.ConnectedAt == 0 {
		t.Error("connectedAt not set")
	}
	if s.RemoteURI != "srt://host:9000" {
		t.Errorf("remoteURI = %q", s.RemoteURI)
	}
	if s.UptimeMs < 0 {
		t.Errorf("uptime = %d", s.UptimeMs)
	}
}
