package krpc

import (
	"github.com/dhtcrawler/crawld/internal/bencode"
)

// queryMessage is the outbound shape of a KRPC query. Field tags drive
// bencode.Marshal, which sorts keys lexicographically on encode — the
// property KRPC wire-compatibility depends on.
type queryMessage struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
}

type replyMessage struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	R map[string]interface{} `bencode:"r"`
}

// FindNode crafts a find_node query asking for target, sent from the
// (possibly synthesised) source id.
func FindNode(transactionID string, id, target ID) ([]byte, error) {
	msg := queryMessage{
		T: transactionID,
		Y: "q",
		Q: "find_node",
		A: map[string]interface{}{
			"id":     string(id[:]),
			"target": string(target[:]),
		},
	}
	return bencode.Marshal(msg)
}

// GetPeersReply crafts a get_peers response that never returns real peers:
// it always hands back an empty "nodes" string and a valid opaque token,
// maximising the odds the asker follows up with announce_peer.
func GetPeersReply(transactionID string, id ID, token string) ([]byte, error) {
	msg := replyMessage{
		T: transactionID,
		Y: "r",
		R: map[string]interface{}{
			"id":    string(id[:]),
			"nodes": "",
			"token": token,
		},
	}
	return bencode.Marshal(msg)
}

// AnnouncePeerReply crafts the (always positive) response to an
// announce_peer query.
func AnnouncePeerReply(transactionID string, id ID) ([]byte, error) {
	msg := replyMessage{
		T: transactionID,
		Y: "r",
		R: map[string]interface{}{
			"id": string(id[:]),
		},
	}
	return bencode.Marshal(msg)
}

// Message is a KRPC datagram decoded into the fields this crawler cares
// about. Fields are zero-valued when absent; Query/Response distinguishes
// which sub-fields are meaningful.
type Message struct {
	TransactionID string
	Type          string // "q" or "r"
	Query         string // only set when Type == "q"

	// Query arguments (Type == "q").
	ArgsID         ID
	HasArgsID      bool
	InfoHash       ID
	HasInfoHash    bool
	Token          string
	Port           int
	HasPort        bool
	ImpliedPort    bool
	HasImpliedPort bool
	HasTransaction bool

	// Response fields (Type == "r").
	Nodes string
}

// ParseMessage decodes a raw KRPC datagram into a Message. It returns an
// error for anything that doesn't parse as a bencode dictionary; callers
// are responsible for the rest of the per-message-type validation (e.g.
// requiring a non-empty transaction id, a 20-byte info_hash, and so on),
// since what's "required" differs by query/response type.
func ParseMessage(buf []byte) (Message, error) {
	v, err := bencode.Decode(buf)
	if err != nil {
		return Message{}, err
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return Message{}, &bencode.DecodeError{Msg: "top-level KRPC value is not a dict"}
	}
	var m Message
	if t, ok := dict["t"].(string); ok {
		m.TransactionID = t
		m.HasTransaction = t != ""
	}
	if y, ok := dict["y"].(string); ok {
		m.Type = y
	}
	if m.Type == "q" {
		if q, ok := dict["q"].(string); ok {
			m.Query = q
		}
		a, _ := dict["a"].(map[string]interface{})
		if a != nil {
			if idStr, ok := a["id"].(string); ok {
				if id, err := IDFromString(idStr); err == nil {
					m.ArgsID = id
					m.HasArgsID = true
				}
			}
			if ihStr, ok := a["info_hash"].(string); ok {
				if ih, err := IDFromString(ihStr); err == nil {
					m.InfoHash = ih
					m.HasInfoHash = true
				}
			}
			if tok, ok := a["token"].(string); ok {
				m.Token = tok
			}
			if port, ok := a["port"].(int64); ok {
				m.Port = int(port)
				m.HasPort = true
			}
			if implied, ok := a["implied_port"].(int64); ok {
				m.ImpliedPort = implied == 1
				m.HasImpliedPort = true
			}
		}
	} else if m.Type == "r" {
		r, _ := dict["r"].(map[string]interface{})
		if r != nil {
			if nodes, ok := r["nodes"].(string); ok {
				m.Nodes = nodes
			}
			if idStr, ok := r["id"].(string); ok {
				if id, err := IDFromString(idStr); err == nil {
					m.ArgsID = id
					m.HasArgsID = true
				}
			}
		}
	}
	return m, nil
}
