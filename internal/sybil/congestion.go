package sybil

import (
	"errors"
	"net"
	"syscall"

	"github.com/dhtcrawler/crawld/internal/krpc"
)

// send writes payload to endpoint and treats an OS backpressure signal as
// an immediate AIMD congestion event (multiplicative decrease), per the
// AIMD rule this node uses to size its neighbour budget.
func (n *Node) send(endpoint krpc.Endpoint, payload []byte) error {
	if !endpoint.Valid() {
		return errNilEndpoint
	}
	_, err := n.conn.WriteToUDP(payload, endpoint.UDPAddr())
	if err != nil && isBackpressure(err) {
		n.onCongestion()
	}
	return err
}

var errNilEndpoint = errors.New("sybil: invalid destination endpoint")

// isBackpressure reports whether err looks like the OS telling us to slow
// down, as opposed to a one-off unreachable-host style error.
func isBackpressure(err error) bool {
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EPERM) ||
		isTemporary(err)
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Temporary()
	}
	return false
}

// onCongestion applies the multiplicative decrease and flags the current
// tick as congested so the tick loop skips its additive increase.
func (n *Node) onCongestion() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.congested = true
	shrunk := n.maxNeighbours * neighbourShrinkPct / 100
	if shrunk < minNeighbours {
		shrunk = minNeighbours
	}
	if shrunk != n.maxNeighbours {
		n.maxNeighbours = shrunk
		metricCongestionEvents.Add(1)
		n.log.Debugf("sybil: congestion signal, max neighbours now %d", n.maxNeighbours)
	}
}
