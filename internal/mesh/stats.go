package mesh

import "sync/atomic"

// Stats counts router and bus outcomes for one controller.
type Stats struct {
	routed    atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	busErrors atomic.Uint64
}

type StatsSnapshot struct {
	Routed    uint64 `json:"routed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	BusErrors uint64 `json:"bus_errors"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Routed:    s.routed.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
		BusErrors: s.busErrors.Load(),
	}
}
