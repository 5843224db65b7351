package krpc

import (
	"testing"

	"github.com/dhtcrawler/crawld/internal/bencode"
)

func mustID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestFindNodeKeyOrderAndFields(t *testing.T) {
	id := mustID(0xaa)
	target := mustID(0xbb)
	buf, err := FindNode("tx", id, target)
	if err != nil {
		t.Fatal(err)
	}
	v, err := bencode.Decode(buf)
	if err != nil {
		t.Fatalf("re-decoding our own message: %v", err)
	}
	dict := v.(map[string]interface{})
	if dict["q"] != "find_node" || dict["y"] != "q" || dict["t"] != "tx" {
		t.Fatalf("unexpected top-level fields: %#v", dict)
	}
	a := dict["a"].(map[string]interface{})
	if a["id"] != string(id[:]) || a["target"] != string(target[:]) {
		t.Errorf("unexpected args: %#v", a)
	}
	// Keys must appear in lexicographic order: a, q, t, y.
	want := "d1:a"
	if string(buf[:len(want)]) != want {
		t.Errorf("dict does not start with sorted key 'a': %q", buf[:20])
	}
}

func TestGetPeersReplyNeverLeaksNodes(t *testing.T) {
	id := mustID(1)
	buf, err := GetPeersReply("zz", id, "tok")
	if err != nil {
		t.Fatal(err)
	}
	v, _ := bencode.Decode(buf)
	dict := v.(map[string]interface{})
	r := dict["r"].(map[string]interface{})
	if r["nodes"] != "" {
		t.Errorf("get_peers reply must never contain real nodes, got %q", r["nodes"])
	}
	if r["token"] != "tok" {
		t.Errorf("token not round-tripped")
	}
}

func TestParseMessageAnnouncePeer(t *testing.T) {
	id := mustID(3)
	ih := mustID(4)
	msg := map[string]interface{}{
		"t": "aa",
		"y": "q",
		"q": "announce_peer",
		"a": map[string]interface{}{
			"id":        string(id[:]),
			"info_hash": string(ih[:]),
			"token":     "x",
			"port":      int64(6881),
		},
	}
	buf, err := bencode.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Query != "announce_peer" || !parsed.HasInfoHash || parsed.InfoHash != ih {
		t.Errorf("unexpected parse result: %#v", parsed)
	}
	if !parsed.HasPort || parsed.Port != 6881 {
		t.Errorf("port not parsed: %#v", parsed)
	}
}

func TestParseCompactNodesRejectsBadLength(t *testing.T) {
	if _, err := ParseCompactNodes("short"); err == nil {
		t.Error("expected error for non-multiple-of-26 length")
	}
}

func TestParseCompactNodesDecodesRecords(t *testing.T) {
	id := mustID(7)
	rec := string(id[:]) + "\x01\x02\x03\x04" + "\x1a\xe1" // port 6881
	nodes, err := ParseCompactNodes(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].Endpoint.Port != 6881 {
		t.Errorf("port = %d, want 6881", nodes[0].Endpoint.Port)
	}
	if nodes[0].ID != id {
		t.Errorf("id mismatch")
	}
}

func TestNeighbourID(t *testing.T) {
	near := mustID(0xaa)
	true_ := mustID(0xbb)
	out := NeighbourID(near, true_)
	for i := 0; i < 15; i++ {
		if out[i] != near[i] {
			t.Fatalf("byte %d: got %x, want near's %x", i, out[i], near[i])
		}
	}
	for i := 15; i < IDLen; i++ {
		if out[i] != true_[i-15] {
			t.Fatalf("byte %d: got %x, want true's byte %d (%x)", i, out[i], i-15, true_[i-15])
		}
	}
}
