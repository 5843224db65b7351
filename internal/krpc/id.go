// Package krpc implements the wire-level pieces of Mainline DHT's KRPC
// protocol (BEP 5): 20-byte identifiers, compact node-info records, and the
// query/reply byte crafters the Sybil node sends on the wire.
package krpc

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
)

// IDLen is the length, in bytes, of both NodeIDs and InfoHashes.
const IDLen = 20

// ID is a 20-byte Mainline DHT identifier. The same type models both
// NodeIDs and InfoHashes, since both are opaque 20-byte strings compared
// only by XOR distance or equality.
type ID [IDLen]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// GoString makes %#v output readable in test failures.
func (id ID) GoString() string { return "krpc.ID(" + id.String() + ")" }

// IsZero reports whether id is the all-zero value (used as a "not set"
// sentinel since bencode has no null type).
func (id ID) IsZero() bool { return id == ID{} }

// RandomID returns a cryptographically random ID, used once at process
// startup for this node's true NodeID.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// IDFromString converts a raw 20-byte string (as decoded off the wire) into
// an ID. It fails if the string isn't exactly 20 bytes.
func IDFromString(s string) (ID, error) {
	var id ID
	if len(s) != IDLen {
		return id, fmt.Errorf("krpc: id must be %d bytes, got %d", IDLen, len(s))
	}
	copy(id[:], s)
	return id, nil
}

// NeighbourID synthesises a Sybil source NodeID that is biased to look
// "close" to near, in XOR-distance terms: the first 15 bytes come from
// near (a peer's NodeID or a target InfoHash), and the last 5 bytes come
// from the first 5 bytes of true, this node's real identity
// (near[:15] ∥ true[:5]). This is the core of the Sybil attraction
// strategy described in the system's data model.
func NeighbourID(near, true_ ID) ID {
	var out ID
	copy(out[:15], near[:15])
	copy(out[15:], true_[:5])
	return out
}

// Endpoint is an IPv4 address plus a UDP or TCP port. Port 0 is always
// invalid and must be rejected on both ingress and egress.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) Valid() bool { return e.Port > 0 && e.Port <= 65535 && e.IP != nil }

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP.String(), e.Port) }

func (e Endpoint) UDPAddr() *net.UDPAddr { return &net.UDPAddr{IP: e.IP, Port: e.Port} }

func (e Endpoint) TCPAddr() *net.TCPAddr { return &net.TCPAddr{IP: e.IP, Port: e.Port} }

// EndpointFromUDPAddr adapts a resolved UDP address, rejecting non-IPv4
// addresses (this crawler only speaks udp4, matching the compact node
// info format it parses).
func EndpointFromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return Endpoint{}, fmt.Errorf("krpc: not an IPv4 address: %v", addr.IP)
	}
	return Endpoint{IP: ip4, Port: addr.Port}, nil
}

// NodeInfo is a single decoded entry from a compact "nodes" string: a
// NodeID paired with the endpoint it claims to be reachable at.
type NodeInfo struct {
	ID       ID
	Endpoint Endpoint
}

// compactNodeLen is the length, in bytes, of one IPv4 compact node-info
// record: 20 bytes of NodeID + 4 bytes of IPv4 address + 2 bytes of
// big-endian port.
const compactNodeLen = IDLen + 4 + 2

// ParseCompactNodes decodes the concatenated fixed-length records found in
// a KRPC response's "nodes" field. It returns an error if the string
// length isn't a multiple of the record size; callers are responsible for
// dropping any decoded record whose port is 0.
func ParseCompactNodes(s string) ([]NodeInfo, error) {
	if len(s)%compactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: compact nodes length %d not a multiple of %d", len(s), compactNodeLen)
	}
	out := make([]NodeInfo, 0, len(s)/compactNodeLen)
	for i := 0; i < len(s); i += compactNodeLen {
		rec := s[i : i+compactNodeLen]
		var id ID
		copy(id[:], rec[:IDLen])
		ip := net.IP([]byte(rec[IDLen : IDLen+4])).To4()
		port := int(binary.BigEndian.Uint16([]byte(rec[IDLen+4 : IDLen+6])))
		out = append(out, NodeInfo{ID: id, Endpoint: Endpoint{IP: append(net.IP{}, ip...), Port: port}})
	}
	return out, nil
}
