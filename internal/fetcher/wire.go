// Package fetcher implements the per-peer metadata fetcher: it connects
// to a single peer over TCP, performs the BitTorrent handshake (BEP 3),
// the extension handshake (BEP 10), and pumps ut_metadata (BEP 9) pieces
// until the full info dict is assembled and verified against the target
// infohash.
package fetcher

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dhtcrawler/crawld/internal/krpc"
)

const (
	protocolName   = "BitTorrent protocol"
	extensionBit   = 0x10 // reserved byte 5, bit 4: BEP 10 support
	extendedMsgID  = 20   // BEP 10 message id for all extended messages
	handshakeExtID = 0    // extended handshake always uses id 0
)

func writeHandshake(w io.Writer, infoHash krpc.ID, peerID [20]byte) error {
	buf := make([]byte, 0, 49+len(protocolName))
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	var reserved [8]byte
	reserved[5] |= extensionBit
	buf = append(buf, reserved[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	return err
}

// readHandshake reads and validates the peer's 68-byte preamble,
// reporting whether it advertised the BEP 10 extension protocol bit.
func readHandshake(r io.Reader, wantInfoHash krpc.ID) (supportsExtensions bool, err error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return false, fmt.Errorf("reading protocol name length: %w", err)
	}
	if int(lenByte[0]) != len(protocolName) {
		return false, fmt.Errorf("unexpected protocol name length %d", lenByte[0])
	}
	rest := make([]byte, lenByte[0]+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return false, fmt.Errorf("reading handshake body: %w", err)
	}
	name := rest[:lenByte[0]]
	if string(name) != protocolName {
		return false, fmt.Errorf("unexpected protocol name %q", name)
	}
	reserved := rest[lenByte[0] : lenByte[0]+8]
	ih := rest[lenByte[0]+8 : lenByte[0]+8+20]
	var gotIH krpc.ID
	copy(gotIH[:], ih)
	if gotIH != wantInfoHash {
		return false, fmt.Errorf("handshake infohash mismatch: got %s want %s", gotIH, wantInfoHash)
	}
	return reserved[5]&extensionBit != 0, nil
}

// readPeerMessage reads one framed, non-handshake message: a 4-byte
// big-endian length prefix followed by that many bytes (an empty body is
// a keep-alive, returned as id 0 with a nil payload).
func readPeerMessage(r *bufio.Reader) (id byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, nil // keep-alive
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

func writeExtendedMessage(w io.Writer, extID byte, payload []byte) error {
	body := make([]byte, 0, 2+len(payload))
	body = append(body, extendedMsgID, extID)
	body = append(body, payload...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
