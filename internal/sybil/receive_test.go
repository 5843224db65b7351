package sybil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhtcrawler/crawld/internal/bencode"
	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/krpc"
)

func testNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(NewConfig(), clog.Nop)
	require.NoError(t, err)
	return n
}

func buildAnnounce(t *testing.T, txID string, argsID, infoHash krpc.ID, port int, impliedPort *int) []byte {
	t.Helper()
	a := map[string]interface{}{
		"id":        string(argsID[:]),
		"info_hash": string(infoHash[:]),
		"port":      int64(port),
		"token":     "whatever",
	}
	if impliedPort != nil {
		a["implied_port"] = int64(*impliedPort)
	}
	buf, err := bencode.Marshal(map[string]interface{}{
		"t": txID,
		"y": "q",
		"q": "announce_peer",
		"a": a,
	})
	require.NoError(t, err)
	return buf
}

// S1: a plain announce_peer with an explicit port produces one
// Announcement using that port, not the UDP source port.
func TestAnnouncePeerHappyPath(t *testing.T) {
	n := testNode(t)
	var argsID, ih krpc.ID
	argsID[0] = 0xAA
	ih[0] = 0xBB

	buf := buildAnnounce(t, "tx", argsID, ih, 6881, nil)
	from := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 50000}

	go n.processPacket(buf, from)
	select {
	case a := <-n.announce:
		require.Equal(t, ih, a.InfoHash)
		require.Equal(t, 6881, a.Peer.Port)
		require.Equal(t, "203.0.113.5", a.Peer.IP.String())
	}
}

// S2: implied_port=1 means the announced peer port is the UDP source
// port, regardless of what a.port says.
func TestAnnouncePeerImpliedPort(t *testing.T) {
	n := testNode(t)
	var argsID, ih krpc.ID
	argsID[0] = 1
	ih[0] = 2

	one := 1
	buf := buildAnnounce(t, "tx", argsID, ih, 6881, &one)
	from := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 54321}

	go n.processPacket(buf, from)
	a := <-n.announce
	require.Equal(t, 54321, a.Peer.Port)
}

// S3: a UDP datagram from source port 0 is dropped before decoding,
// never reaching an announce.
func TestSourcePortZeroRejected(t *testing.T) {
	n := testNode(t)
	var argsID, ih krpc.ID
	buf := buildAnnounce(t, "tx", argsID, ih, 6881, nil)
	from := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 0}

	n.processPacket(buf, from)
	select {
	case a := <-n.announce:
		t.Fatalf("unexpected announcement from port-0 source: %+v", a)
	default:
	}
}

// Testable property: a get_peers reply never carries a non-empty nodes
// list and always carries a token.
func TestGetPeersReplyCarriesTokenNoNodes(t *testing.T) {
	n := testNode(t)
	var id, ih krpc.ID
	id[0] = 7
	ih[0] = 8

	query := map[string]interface{}{
		"t": "tx",
		"y": "q",
		"q": "get_peers",
		"a": map[string]interface{}{
			"id":        string(id[:]),
			"info_hash": string(ih[:]),
		},
	}
	buf, err := bencode.Marshal(query)
	require.NoError(t, err)

	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer ln.Close()
	n.conn = ln

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer client.Close()

	from := client.LocalAddr().(*net.UDPAddr)
	n.processPacket(buf, from)

	reply := make([]byte, 2048)
	nread, _, err := client.ReadFromUDP(reply)
	require.NoError(t, err)

	decoded, err := bencode.Decode(reply[:nread])
	require.NoError(t, err)
	dict := decoded.(map[string]interface{})
	require.Equal(t, "r", dict["y"])
	r := dict["r"].(map[string]interface{})
	require.Empty(t, r["nodes"])
	require.NotEmpty(t, r["token"])
}
