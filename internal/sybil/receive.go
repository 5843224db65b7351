package sybil

import (
	"context"
	"net"

	"github.com/dhtcrawler/crawld/internal/krpc"
)

// receiveLoop reads UDP datagrams until ctx is cancelled or the socket is
// closed, dispatching each to processPacket.
func (n *Node) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf := n.arena.pop()
		nread, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			n.arena.push(buf)
			if ctx.Err() != nil {
				return // socket closed as part of shutdown
			}
			n.log.Errorf("sybil: fatal read error: %v", err)
			n.fail(err)
			return
		}
		metricPacketsIn.Add(1)
		n.processPacket(buf[:nread], from)
		n.arena.push(buf)
	}
}

// processPacket decodes and dispatches one datagram. Anything malformed,
// or from a source port of 0, is dropped silently — this node never
// replies to garbage or to an unreachable port.
func (n *Node) processPacket(buf []byte, from *net.UDPAddr) {
	if from.Port == 0 {
		metricPacketsDropped.Add(1)
		return
	}
	msg, err := krpc.ParseMessage(buf)
	if err != nil {
		metricPacketsDropped.Add(1)
		n.log.Debugf("sybil: dropping malformed packet from %v: %v", from, err)
		return
	}

	switch msg.Type {
	case "r":
		n.handleReply(msg)
	case "q":
		switch msg.Query {
		case "get_peers":
			n.handleGetPeers(msg, from)
		case "announce_peer":
			n.handleAnnouncePeer(msg, from)
		default:
			// find_node, ping and anything else we don't bother answering.
		}
	default:
		// error messages and anything else are ignored.
	}
}

// handleReply absorbs find_node responses into this tick's scratch
// routing table, dropping any compact node record with a zero port.
func (n *Node) handleReply(msg krpc.Message) {
	if msg.Nodes == "" {
		return
	}
	nodes, err := krpc.ParseCompactNodes(msg.Nodes)
	if err != nil {
		n.log.Debugf("sybil: malformed compact nodes in reply: %v", err)
		return
	}
	n.mu.Lock()
	for _, node := range nodes {
		if node.Endpoint.Port == 0 {
			continue
		}
		n.neighbours.Add(node.ID, node.Endpoint)
	}
	n.mu.Unlock()
}

// handleGetPeers always answers with an empty node list and a fresh
// token — this node never has real peers to hand out, it's only
// farming announce_peer traffic.
func (n *Node) handleGetPeers(msg krpc.Message, from *net.UDPAddr) {
	if !msg.HasTransaction || !msg.HasInfoHash || !msg.HasArgsID {
		return
	}
	tok := n.token(from.IP, from.Port, msg.InfoHash)
	replyID := krpc.NeighbourID(msg.InfoHash, n.trueID)
	payload, err := krpc.GetPeersReply(msg.TransactionID, replyID, tok)
	if err != nil {
		n.log.Debugf("sybil: failed to build get_peers reply: %v", err)
		return
	}
	if err := n.send(krpc.Endpoint{IP: from.IP, Port: from.Port}, payload); err != nil {
		n.log.Debugf("sybil: failed to send get_peers reply to %v: %v", from, err)
		return
	}
	metricQueriesReplied.Add(1)
}

// handleAnnouncePeer validates the query, derives the peer endpoint
// (honouring implied_port), emits an Announcement, and replies.
func (n *Node) handleAnnouncePeer(msg krpc.Message, from *net.UDPAddr) {
	if !msg.HasTransaction || !msg.HasInfoHash || !msg.HasArgsID || !msg.HasPort {
		return
	}
	if msg.Port <= 0 || msg.Port > 65535 {
		return
	}
	port := msg.Port
	if msg.HasImpliedPort && msg.ImpliedPort {
		port = from.Port
	}
	peer := krpc.Endpoint{IP: from.IP, Port: port}
	if !peer.Valid() {
		return
	}

	metricAnnouncesSeen.Add(1)
	n.emit(Announcement{InfoHash: msg.InfoHash, Peer: peer})

	replyID := krpc.NeighbourID(msg.ArgsID, n.trueID)
	payload, err := krpc.AnnouncePeerReply(msg.TransactionID, replyID)
	if err != nil {
		n.log.Debugf("sybil: failed to build announce_peer reply: %v", err)
		return
	}
	if err := n.send(krpc.Endpoint{IP: from.IP, Port: from.Port}, payload); err != nil {
		n.log.Debugf("sybil: failed to send announce_peer reply to %v: %v", from, err)
		return
	}
	metricQueriesReplied.Add(1)
}
