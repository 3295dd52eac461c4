package gateway

import "sync/atomic"

// metrics is the process-wide counter set the /metrics HTTP surface
// exposes. Constructed as a plain field on Gateway rather than a
// package-level global so tests can read a fresh Gateway's own counters.
type metrics struct {
	connectionsOpened atomic.Int64
	framesReceived    atomic.Int64
	framesErrored     atomic.Int64
}

func (m *metrics) snapshot() map[string]int64 {
	return map[string]int64{
		"connections_opened_total": m.connectionsOpened.Load(),
		"frames_received_total":    m.framesReceived.Load(),
		"frames_errored_total":     m.framesErrored.Load(),
	}
}
