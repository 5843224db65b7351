package sybil

import "expvar"

// Package-level counters in the teacher's own style (dht.go's
// totalRecv/totalDroppedPackets/... expvar.Int vars), renamed to this
// node's vocabulary. A process runs exactly one Sybil node, so there's no
// need to namespace these per instance.
var (
	metricPacketsIn        = expvar.NewInt("sybil_packets_in")
	metricPacketsDropped   = expvar.NewInt("sybil_packets_dropped")
	metricQueriesReplied   = expvar.NewInt("sybil_queries_replied")
	metricAnnouncesSeen    = expvar.NewInt("sybil_announces_seen")
	metricAnnounceDropped  = expvar.NewInt("sybil_announce_dropped")
	metricCongestionEvents = expvar.NewInt("sybil_congestion_events")
)

// Snapshot is a point-in-time copy of the node's counters for reporting.
type Snapshot struct {
	PacketsIn        int64
	PacketsDropped   int64
	QueriesReplied   int64
	AnnouncesSeen    int64
	AnnounceDropped  int64
	CongestionEvents int64
	MaxNeighbours    int
}

// Metrics returns a snapshot of the node's counters.
func (n *Node) Metrics() Snapshot {
	n.mu.Lock()
	maxN := n.maxNeighbours
	n.mu.Unlock()
	return Snapshot{
		PacketsIn:        metricPacketsIn.Value(),
		PacketsDropped:   metricPacketsDropped.Value(),
		QueriesReplied:   metricQueriesReplied.Value(),
		AnnouncesSeen:    metricAnnouncesSeen.Value(),
		AnnounceDropped:  metricAnnounceDropped.Value(),
		CongestionEvents: metricCongestionEvents.Value(),
		MaxNeighbours:    maxN,
	}
}
