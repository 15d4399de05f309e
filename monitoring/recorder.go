package monitoring

import "github.com/rigrun/rigrun/types"

// Recorder implements routing.Recorder by feeding tier outcomes into
// the package's Prometheus counters, so it can sit in the same
// fan-out as the stats tracker and audit logger without either of
// those packages depending on Prometheus.
type Recorder struct{}

func (Recorder) RecordSuccess(tier types.Tier, _ types.Query, _ types.Response, blocked bool) {
	if blocked {
		return
	}
	RequestsTotal.WithLabelValues(string(tier)).Inc()
}

func (Recorder) RecordBlocked(tier types.Tier, _ types.Query) {
	BlockedTotal.WithLabelValues(string(tier)).Inc()
}
