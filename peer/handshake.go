package peer

// Protocol is the identifier string in the base handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of the base handshake message:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// extendedBit is reserved byte 5's bit 0x10, bit 20 from the right across
// the 8 reserved bytes (BEP-10).
const extendedBit = 0x10

// buildHandshake renders the 68-byte base handshake, with the extension
// bit always set so the remote knows we support BEP-10.
func buildHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	buf[1+len(Protocol)+5] = extendedBit
	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// parsedHandshake is what the remote sent back.
type parsedHandshake struct {
	PeerID            [20]byte
	SupportsExtension bool
}

func parseHandshake(buf []byte, wantInfoHash [20]byte) (parsedHandshake, error) {
	if len(buf) != HandshakeSize {
		return parsedHandshake{}, protoErrorf("handshake has length %d, want %d", len(buf), HandshakeSize)
	}
	if int(buf[0]) != len(Protocol) || string(buf[1:1+len(Protocol)]) != Protocol {
		return parsedHandshake{}, protoErrorf("unexpected protocol identifier in handshake")
	}

	reserved := buf[1+len(Protocol) : 1+len(Protocol)+8]
	var gotInfoHash [20]byte
	copy(gotInfoHash[:], buf[1+len(Protocol)+8:1+len(Protocol)+8+20])
	if gotInfoHash != wantInfoHash {
		return parsedHandshake{}, protoErrorf("peer echoed a different info hash than requested")
	}

	var peerID [20]byte
	copy(peerID[:], buf[1+len(Protocol)+8+20:])
	return parsedHandshake{
		PeerID:            peerID,
		SupportsExtension: reserved[5]&extendedBit != 0,
	}, nil
}
