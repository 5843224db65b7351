package sybil

import (
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/dhtcrawler/crawld/internal/krpc"
)

// tickLoop runs the neighbourhood-refresh cycle: bootstrap when the
// routing table is empty, send one find_node per known neighbour, clear
// the table (it's a one-tick scratch set, never a persistent k-bucket
// tree), then apply the AIMD additive increase if the tick was calm.
func (n *Node) tickLoop(ctx context.Context) {
	period := n.cfg.TickPeriod
	if period <= 0 {
		period = 1 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if delta := now.Sub(last); delta >= 2*period {
				n.log.Debugf("sybil: tick running %v late", delta-period)
			}
			last = now
			n.runTick(ctx)
		}
	}
}

func (n *Node) runTick(ctx context.Context) {
	n.mu.Lock()
	n.congested = false
	known := make(map[krpc.ID]krpc.Endpoint, n.neighbours.Len())
	// groupcache/lru has no enumeration API; drain it with RemoveOldest
	// and snapshot each entry as OnEvicted hands it over.
	n.neighbours.OnEvicted = func(key lru.Key, value interface{}) {
		id, idOK := key.(krpc.ID)
		ep, epOK := value.(krpc.Endpoint)
		if idOK && epOK {
			known[id] = ep
		}
	}
	for n.neighbours.Len() > 0 {
		n.neighbours.RemoveOldest()
	}
	n.neighbours.OnEvicted = nil
	n.mu.Unlock()

	if len(known) == 0 {
		n.bootstrap(ctx)
	} else {
		for id, ep := range known {
			n.refresh(ctx, id, ep)
		}
	}

	n.mu.Lock()
	if !n.congested {
		grown := n.maxNeighbours * neighbourGrowPct / 100
		if grown <= n.maxNeighbours {
			grown = n.maxNeighbours + 1
		}
		n.maxNeighbours = grown
	}
	n.neighbours = freshLRU(n.maxNeighbours)
	n.mu.Unlock()
}

// bootstrap resolves the configured routers and find_nodes each of them
// for a random target, repopulating the routing table from their reply.
func (n *Node) bootstrap(ctx context.Context) {
	for _, host := range n.cfg.BootstrapRouters {
		select {
		case <-ctx.Done():
			return
		default:
		}
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			n.log.Debugf("sybil: bootstrap router %s did not resolve: %v", host, err)
			continue
		}
		n.sendFindNode(n.trueID, krpc.Endpoint{IP: addr.IP, Port: addr.Port})
	}
}

// refresh sends one find_node to a known neighbour, using a synthesized
// source id biased toward the neighbour's own id — the Sybil attack this
// node exists to run.
func (n *Node) refresh(ctx context.Context, id krpc.ID, ep krpc.Endpoint) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	n.sendFindNode(krpc.NeighbourID(id, n.trueID), ep)
}

func (n *Node) sendFindNode(senderID krpc.ID, ep krpc.Endpoint) {
	target, err := krpc.RandomID()
	if err != nil {
		n.log.Errorf("sybil: failed to generate find_node target: %v", err)
		return
	}
	txID, err := randomTransactionID()
	if err != nil {
		n.log.Errorf("sybil: failed to generate transaction id: %v", err)
		return
	}
	payload, err := krpc.FindNode(txID, senderID, target)
	if err != nil {
		n.log.Debugf("sybil: failed to build find_node: %v", err)
		return
	}
	if err := n.send(ep, payload); err != nil {
		n.log.Debugf("sybil: find_node send to %v failed: %v", ep, err)
	}
}

func randomTransactionID() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return string(b[:]), nil
}
