package fetcher

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dhtcrawler/crawld/internal/bencode"
	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/krpc"
)

// Sentinel errors covering this package's failure taxonomy. Callers can
// tell them apart with errors.Is; the coordinator logs every fetch
// failure at debug level without distinguishing between them.
var (
	ErrConnect                     = errors.New("fetcher: connect failed")
	ErrHandshakeMalformed          = errors.New("fetcher: malformed BitTorrent handshake")
	ErrExtensionHandshakeMalformed = errors.New("fetcher: malformed extension handshake")
	ErrNoUTMetadata                = errors.New("fetcher: peer does not support ut_metadata")
	ErrOversizeMetadata            = errors.New("fetcher: metadata_size exceeds configured maximum")
	ErrMalformedMetadataMessage    = errors.New("fetcher: malformed ut_metadata message")
	ErrRejected                    = errors.New("fetcher: peer rejected metadata request")
	ErrHashMismatch                = errors.New("fetcher: assembled metadata does not hash to the target infohash")
	ErrTimeout                     = errors.New("fetcher: fetch deadline exceeded")
)

const (
	blockSize         = 16 * 1024
	extKeyMetadata    = "ut_metadata"
	defaultQueueDepth = 4
)

// Config bounds a single fetch.
type Config struct {
	MaxMetadataSize int
	Timeout         time.Duration
	PeerID          [20]byte
	Dialer          *net.Dialer
	Log             clog.Logger
}

// Fetch connects to peer, retrieves the info dict for infoHash over
// ut_metadata, and returns the raw bencoded bytes once their SHA-1
// matches infoHash. It never trusts the peer's metadata_size beyond
// cfg.MaxMetadataSize.
func Fetch(ctx context.Context, peer krpc.Endpoint, infoHash krpc.ID, cfg Config) ([]byte, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = clog.Nop
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", peer.TCPAddr().String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	if err := writeHandshake(conn, infoHash, cfg.PeerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	supportsExt, err := readHandshake(conn, infoHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMalformed, err)
	}
	if !supportsExt {
		// Some peers that don't set the reserved bit still answer the
		// extension handshake and serve ut_metadata just fine — don't
		// give up on them, only the downstream exchange (or the 120s
		// deadline) decides whether this peer is actually useless.
		log.Debugf("fetcher: peer %v did not advertise the extension protocol bit, trying anyway", peer)
	}

	r := bufio.NewReader(conn)

	ourExtID := byte(1)
	handshakePayload, err := bencode.Marshal(map[string]interface{}{
		"m": map[string]interface{}{extKeyMetadata: int64(ourExtID)},
	})
	if err != nil {
		return nil, err
	}
	if err := writeExtendedMessage(conn, handshakeExtID, handshakePayload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtensionHandshakeMalformed, err)
	}

	peerExtID, metadataSize, err := readExtensionHandshake(r)
	if err != nil {
		return nil, err
	}
	if metadataSize <= 0 || metadataSize > cfg.MaxMetadataSize {
		return nil, fmt.Errorf("%w: metadata_size=%d max=%d", ErrOversizeMetadata, metadataSize, cfg.MaxMetadataSize)
	}

	asm := newAssembler(metadataSize)

	for !asm.done() {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		default:
		}
		asm.requestMore(func(piece uint32) error {
			payload, err := bencode.Marshal(map[string]interface{}{
				"msg_type": int64(0),
				"piece":    int64(piece),
			})
			if err != nil {
				return err
			}
			return writeExtendedMessage(conn, peerExtID, payload)
		})

		id, payload, err := readPeerMessage(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMetadataMessage, err)
		}
		if id != extendedMsgID {
			continue // not an extended message (keep-alive, choke, etc.) — ignore
		}
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: empty extended message", ErrMalformedMetadataMessage)
		}
		extID, body := payload[0], payload[1:]
		if extID != ourExtID {
			continue
		}
		if err := asm.handleMessage(body); err != nil {
			return nil, err
		}
	}

	metadata := asm.bytes()
	sum := sha1.Sum(metadata)
	if krpc.ID(sum) != infoHash {
		return nil, ErrHashMismatch
	}
	return metadata, nil
}

func readExtensionHandshake(r *bufio.Reader) (peerExtID byte, metadataSize int, err error) {
	for {
		id, payload, err := readPeerMessage(r)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrExtensionHandshakeMalformed, err)
		}
		if id != extendedMsgID {
			continue
		}
		if len(payload) < 1 || payload[0] != handshakeExtID {
			continue
		}
		body := payload[1:]
		v, err := bencode.Decode(body)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrExtensionHandshakeMalformed, err)
		}
		dict, ok := v.(map[string]interface{})
		if !ok {
			return 0, 0, fmt.Errorf("%w: not a dict", ErrExtensionHandshakeMalformed)
		}
		m, ok := dict["m"].(map[string]interface{})
		if !ok {
			return 0, 0, fmt.Errorf("%w: missing m", ErrExtensionHandshakeMalformed)
		}
		idVal, ok := m[extKeyMetadata].(int64)
		if !ok {
			return 0, 0, ErrNoUTMetadata
		}
		sizeVal, ok := dict["metadata_size"].(int64)
		if !ok {
			return 0, 0, fmt.Errorf("%w: missing metadata_size", ErrExtensionHandshakeMalformed)
		}
		return byte(idVal), int(sizeVal), nil
	}
}

// RandomPeerID generates a fresh BitTorrent peer id with this crawler's
// client tag, suitable for Config.PeerID.
func RandomPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-CR0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
