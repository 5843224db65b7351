// Package sybil implements the crawler's Sybil DHT node: a single UDP
// socket that participates in Mainline DHT (BEP 5) only enough to harvest
// announce_peer traffic. It keeps no real routing table, answers no
// find_node queries, and never hands out real peer lists — see the
// package-level Non-goals in this system's specification.
package sybil

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/krpc"
)

// Config configures a Node. Use NewConfig for defaults.
type Config struct {
	// Addr is the UDP bind endpoint, e.g. "0.0.0.0:0" for an ephemeral
	// port on all interfaces.
	Addr string
	// MaxNeighbours is N_max_neighbours at startup.
	MaxNeighbours int
	// TickPeriod is how often the neighbourhood-refresh tick runs.
	TickPeriod time.Duration
	// BootstrapRouters are queried with find_node whenever the routing
	// table is empty at the start of a tick.
	BootstrapRouters []string
}

func NewConfig() Config {
	return Config{
		Addr:          "0.0.0.0:0",
		MaxNeighbours: 2000,
		TickPeriod:    1 * time.Second,
		BootstrapRouters: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
	}
}

const (
	minNeighbours      = 200
	maxUDPPacketSize   = 4096
	neighbourGrowPct   = 101 // multiply by 101, divide by 100: +1%
	neighbourShrinkPct = 90  // multiply by 90, divide by 100: -10%
)

// Announcement is emitted whenever a peer announces it is downloading an
// infohash we're sniffing for.
type Announcement struct {
	InfoHash krpc.ID
	Peer     krpc.Endpoint
}

// Node is the Sybil DHT node described in this system's data model: one
// UDP socket, one true NodeID, one token secret, and a per-tick scratch
// routing table bounded by an AIMD-controlled neighbour budget.
type Node struct {
	cfg    Config
	log    clog.Logger
	trueID krpc.ID
	secret [4]byte

	conn  *net.UDPConn
	arena packetArena

	mu            sync.Mutex
	maxNeighbours int
	neighbours    *lru.Cache // krpc.ID -> krpc.Endpoint
	congested     bool

	announce chan Announcement
	errc     chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Node with a fresh random true NodeID and token secret.
func New(cfg Config, log clog.Logger) (*Node, error) {
	if log == nil {
		log = clog.Nop
	}
	id, err := krpc.RandomID()
	if err != nil {
		return nil, err
	}
	var secret [4]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:           cfg,
		log:           log.Named("sybil"),
		trueID:        id,
		secret:        secret,
		maxNeighbours: cfg.MaxNeighbours,
		neighbours:    lru.New(cfg.MaxNeighbours),
		announce:      make(chan Announcement, 4096),
		errc:          make(chan error, 1),
		arena:         newPacketArena(maxUDPPacketSize, 256),
	}
	return n, nil
}

// TrueID returns this node's real, process-lifetime NodeID.
func (n *Node) TrueID() krpc.ID { return n.trueID }

// Announcements streams discovered (infohash, peer) pairs. The channel is
// never closed by the Node while it's running; it's closed after
// Shutdown's receive loop has fully stopped.
func (n *Node) Announcements() <-chan Announcement { return n.announce }

// Err delivers the fatal error that ended the receive loop (the UDP
// socket was lost for a reason other than Shutdown), if any. A caller
// should select on this alongside its own context to know when the node
// can no longer make progress and the process should terminate.
func (n *Node) Err() <-chan error { return n.errc }

// fail reports a fatal receive-loop error exactly once. The read error
// caused by Shutdown's own conn.Close() never reaches here: Shutdown
// cancels the context first, and receiveLoop returns silently once
// ctx.Err() is set.
func (n *Node) fail(err error) {
	select {
	case n.errc <- err:
	default:
	}
}

// LocalAddr returns the bound UDP address. Valid only after Start returns
// successfully.
func (n *Node) LocalAddr() *net.UDPAddr {
	if n.conn == nil {
		return nil
	}
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds the UDP socket and launches the receive and tick loops.
// It returns once the socket is bound; the loops run until ctx is
// cancelled or Shutdown is called.
func (n *Node) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", n.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return err
	}
	n.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.receiveLoop(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.tickLoop(runCtx)
	}()
	n.log.Infof("sybil node listening on %v, true id %s", n.conn.LocalAddr(), n.trueID)
	return nil
}

// Shutdown stops both loops, closes the socket and waits for clean exit.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	n.wg.Wait()
	close(n.announce)
}

func freshLRU(maxEntries int) *lru.Cache {
	if maxEntries < minNeighbours {
		maxEntries = minNeighbours
	}
	return lru.New(maxEntries)
}

func (n *Node) emit(a Announcement) {
	select {
	case n.announce <- a:
	default:
		metricAnnounceDropped.Add(1)
		n.log.Debugf("sybil: announcement queue full, dropping %s from %v", a.InfoHash, a.Peer)
	}
}
