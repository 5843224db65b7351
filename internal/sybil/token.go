package sybil

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/dhtcrawler/crawld/internal/krpc"
)

// token computes the get_peers announce token this node hands back to a
// given (ip, port, infohash) triple. It is a SHA-1 digest of the node's
// secret concatenated with the requester's address and the infohash,
// truncated to 8 bytes — see the token-checksum design decision in
// DESIGN.md. The node never validates a token it receives back in
// announce_peer; it only ever computes its own.
func (n *Node) token(ip net.IP, port int, ih krpc.ID) string {
	h := sha1.New()
	h.Write(n.secret[:])
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	h.Write(portBuf[:])
	h.Write(ih[:])
	sum := h.Sum(nil)
	return string(sum[:8])
}
