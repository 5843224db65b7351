package fetcher

import (
	"fmt"

	"github.com/dhtcrawler/crawld/internal/bencode"
)

// assembler tracks which 16 KiB pieces of the info dict have been
// requested and received, modelled on the block-bookkeeping a BitTorrent
// piece downloader already needs for regular payload pieces.
type assembler struct {
	buf       []byte
	pieceSize []int // size of each piece; last one may be short
	requested map[uint32]struct{}
	received  map[uint32]struct{}
	next      uint32
}

func newAssembler(totalSize int) *assembler {
	n := totalSize / blockSize
	mod := totalSize % blockSize
	if mod != 0 {
		n++
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = blockSize
	}
	if mod != 0 && n > 0 {
		sizes[n-1] = mod
	}
	return &assembler{
		buf:       make([]byte, totalSize),
		pieceSize: sizes,
		requested: make(map[uint32]struct{}),
		received:  make(map[uint32]struct{}),
	}
}

func (a *assembler) done() bool {
	return len(a.received) == len(a.pieceSize)
}

func (a *assembler) bytes() []byte { return a.buf }

// requestMore issues up to defaultQueueDepth-many fresh piece requests
// via send, skipping pieces already requested or received.
func (a *assembler) requestMore(send func(piece uint32) error) {
	for a.next < uint32(len(a.pieceSize)) && len(a.requested) < defaultQueueDepth {
		piece := a.next
		a.next++
		if _, got := a.received[piece]; got {
			continue
		}
		if err := send(piece); err != nil {
			return
		}
		a.requested[piece] = struct{}{}
	}
}

// handleMessage parses one ut_metadata extended-message body (msg_type 0
// request / 1 data / 2 reject) and, for a data message, copies the piece
// into place.
func (a *assembler) handleMessage(body []byte) error {
	header, consumed, err := bencode.DecodePrefix(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMetadataMessage, err)
	}
	dict, ok := header.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: not a dict", ErrMalformedMetadataMessage)
	}
	msgType, ok := dict["msg_type"].(int64)
	if !ok {
		return fmt.Errorf("%w: missing msg_type", ErrMalformedMetadataMessage)
	}
	pieceVal, ok := dict["piece"].(int64)
	if !ok || pieceVal < 0 || int(pieceVal) >= len(a.pieceSize) {
		return fmt.Errorf("%w: invalid piece index", ErrMalformedMetadataMessage)
	}
	piece := uint32(pieceVal)

	switch msgType {
	case 1: // data
		trailing := body[consumed:]
		want := a.pieceSize[piece]
		if len(trailing) != want {
			return fmt.Errorf("%w: piece %d has %d bytes, want %d", ErrMalformedMetadataMessage, piece, len(trailing), want)
		}
		begin := int(piece) * blockSize
		copy(a.buf[begin:begin+want], trailing)
		delete(a.requested, piece)
		a.received[piece] = struct{}{}
		return nil
	case 2: // reject
		delete(a.requested, piece)
		return ErrRejected
	default:
		return nil // a request (0) from the peer, or an unknown type: ignore
	}
}
