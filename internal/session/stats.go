package session

import (
	"sync/atomic"
	"time"
)

// Stats captures connection-level send metrics for a session, snapshot
// style, for monitoring destination health.
type Stats struct {
	BytesSent   int64  `json:"bytesSent"`
	UnitsSent   int64  `json:"unitsSent"`
	ConnectedAt int64  `json:"connectedAt"`
	UptimeMs    int64  `json:"uptimeMs"`
	RemoteURI   string `json:"remoteUri"`
}

// Tracker accumulates send metrics. The zero value is usable; transports
// call Connected once the destination accepts data.
type Tracker struct {
	bytesSent   atomic.Int64
	unitsSent   atomic.Int64
	connectedAt atomic.Int64 // unix milliseconds, 0 = never connected
	remoteURI   atomic.Value // string
}

// Connected records the moment the destination went live.
func (t *Tracker) Connected(uri string) {
	t.connectedAt.Store(time.Now().UnixMilli())
	t.remoteURI.Store(uri)
}

// Sent records one delivered unit of n bytes.
func (t *Tracker) Sent(n int) {
	t.bytesSent.Add(int64(n))
	t.unitsSent.Add(1)
}

// Snapshot returns the current metrics.
func (t *Tracker) Snapshot() Stats {
	uri, _ := t.remoteURI.Load().(string)
	s := Stats{
		BytesSent: t.bytesSent.Load(),
		UnitsSent: t.unitsSent.Load(),
		RemoteURI: uri,
	}
	if at := t.connectedAt.Load(); at > 0 {
		s.ConnectedAt = at
		s.UptimeMs = time.Now().UnixMilli() - at
	}
	return s
}
