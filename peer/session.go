// Package peer owns one TCP connection to one BitTorrent peer: the base
// handshake, the peer's advertised bitfield, the BEP-10 extended
// handshake and BEP-9 metadata fetch, and block-level piece requests.
package peer

import (
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dialTimeout      = 5 * time.Second
	unchokeTimeout   = 15 * time.Second
	blockTimeout     = 15 * time.Second
	blockMaxAttempts = 3
	blockRetryDelay  = 1 * time.Second

	// BlockSize is the fixed request granularity within a piece (16 KiB).
	BlockSize = 16 * 1024
)

// Session is one live connection to a peer. All wire I/O on conn is
// serialized by mu: callers may invoke RequestBlock concurrently from
// several goroutines, and each call holds the stream for the duration
// of its request/response round-trip.
type Session struct {
	mu   sync.Mutex
	conn net.Conn
	log  logrus.FieldLogger

	Address  string
	PeerID   [20]byte
	Bitfield Bitfield

	supportsExtension   bool
	metadataExtensionID uint8
	metadataSize        int
	haveMetadataSize    bool
}

// Connect dials address, performs the base handshake with infoHash, and
// reads the peer's initial BITFIELD message.
func Connect(address string, infoHash, clientID [20]byte, log logrus.FieldLogger) (*Session, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, transportErrorf("dialing %s: %s", address, err)
	}

	s := &Session{conn: conn, log: log.WithField("peer", address), Address: address}
	if err := s.handshake(infoHash, clientID); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.readInitialBitfield(); err != nil {
		conn.Close()
		return nil, err
	}
	s.log.Debug("peer session established")
	return s, nil
}

func (s *Session) handshake(infoHash, clientID [20]byte) error {
	if err := s.conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		return transportErrorf("setting handshake deadline: %s", err)
	}
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(buildHandshake(infoHash, clientID)); err != nil {
		return transportErrorf("writing handshake: %s", err)
	}

	buf := make([]byte, HandshakeSize)
	if _, err := readFull(s.conn, buf); err != nil {
		return transportErrorf("reading handshake: %s", err)
	}

	parsed, err := parseHandshake(buf, infoHash)
	if err != nil {
		return err
	}
	s.PeerID = parsed.PeerID
	s.supportsExtension = parsed.SupportsExtension
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readInitialBitfield implements get_pieces(): the remote's first
// message after the handshake must be BITFIELD.
func (s *Session) readInitialBitfield() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(unchokeTimeout)); err != nil {
		return transportErrorf("setting bitfield deadline: %s", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := readNonKeepAlive(s.conn)
	if err != nil {
		return timeoutErrorf("waiting for BITFIELD: %s", err)
	}
	if msg.Type != BitfieldMsg {
		return protoErrorf("expected BITFIELD as first message, got type %d", msg.Type)
	}
	s.Bitfield = Bitfield(msg.Payload)
	return nil
}

// SupportsExtension reports whether both sides advertised BEP-10 support
// at handshake time.
func (s *Session) SupportsExtension() bool { return s.supportsExtension }

// MetadataExtensionID returns the ut_metadata id the peer advertised in
// its extended handshake. Only meaningful after ExtensionHandshake.
func (s *Session) MetadataExtensionID() uint8 { return s.metadataExtensionID }

// PrepareDownload sends INTERESTED and blocks until UNCHOKE arrives.
func (s *Session) PrepareDownload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Write(interestedMessage()); err != nil {
		return transportErrorf("writing INTERESTED: %s", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(unchokeTimeout)); err != nil {
		return transportErrorf("setting unchoke deadline: %s", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := readNonKeepAlive(s.conn)
		if err != nil {
			return timeoutErrorf("waiting for UNCHOKE: %s", err)
		}
		switch msg.Type {
		case Unchoke:
			return nil
		case Have:
			s.applyHave(msg.Payload)
		}
		// anything else (CHOKE, BITFIELD duplicates, etc.) is ignored here
	}
}

func (s *Session) applyHave(payload []byte) {
	if len(payload) != 4 {
		return
	}
	idx, err := parseHaveIndex(payload)
	if err != nil || s.Bitfield == nil {
		return
	}
	s.Bitfield.Set(idx)
}

// RequestBlock fetches length bytes at offset within piece index, with
// up to blockMaxAttempts attempts separated by blockRetryDelay.
func (s *Session) RequestBlock(index, offset, length int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < blockMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(blockRetryDelay)
		}
		data, err := s.requestBlockOnce(index, offset, length)
		if err == nil {
			return data, nil
		}
		lastErr = err
		s.log.WithError(err).WithFields(logrus.Fields{"piece": index, "offset": offset}).Debug("block fetch attempt failed")
	}
	return nil, timeoutErrorf("block (piece %d, offset %d): %s", index, offset, lastErr)
}

func (s *Session) requestBlockOnce(index, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetDeadline(time.Now().Add(blockTimeout)); err != nil {
		return nil, transportErrorf("setting block deadline: %s", err)
	}
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(requestMessage(index, offset, length)); err != nil {
		return nil, transportErrorf("writing REQUEST: %s", err)
	}

	for {
		msg, err := readNonKeepAlive(s.conn)
		if err != nil {
			return nil, transportErrorf("reading PIECE: %s", err)
		}
		if msg.Type != Piece {
			continue
		}
		chunk, err := parsePieceMessage(msg.Payload)
		if err != nil {
			return nil, err
		}
		if chunk.Index != index || chunk.Begin != offset {
			continue
		}
		return chunk.Data, nil
	}
}

// ExtensionHandshake performs the BEP-10 extended handshake, recording
// the peer's assigned ut_metadata id and any advertised metadata size.
func (s *Session) ExtensionHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.supportsExtension {
		return protoErrorf("peer did not advertise extension support at handshake")
	}

	if _, err := s.conn.Write(extendedMessage(0, buildExtendedHandshakePayload())); err != nil {
		return transportErrorf("writing extended handshake: %s", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(unchokeTimeout)); err != nil {
		return transportErrorf("setting extension deadline: %s", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := readNonKeepAlive(s.conn)
		if err != nil {
			return transportErrorf("reading extended handshake reply: %s", err)
		}
		if msg.Type != Extended {
			continue
		}
		extID, body, err := extendedPayload(msg.Payload)
		if err != nil {
			return err
		}
		if extID != 0 {
			continue
		}
		parsed, err := parseExtendedHandshakePayload(body)
		if err != nil {
			return err
		}
		s.metadataExtensionID = parsed.MetadataExtensionID
		s.metadataSize = parsed.MetadataSize
		s.haveMetadataSize = parsed.HasMetadataSize
		return nil
	}
}

// ExtensionMetadata fetches the info dictionary over the wire per BEP-9
// and verifies it against infoHash.
func (s *Session) ExtensionMetadata(infoHash [20]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveMetadataSize {
		return nil, protoErrorf("peer did not advertise a metadata_size")
	}

	total := s.metadataSize
	blob := make([]byte, total)
	numPieces := (total + metadataPieceSize - 1) / metadataPieceSize

	for i := 0; i < numPieces; i++ {
		data, err := s.fetchMetadataPiece(i)
		if err != nil {
			return nil, err
		}
		start := i * metadataPieceSize
		copy(blob[start:], data)
	}

	if !verifyMetadata(blob, infoHash) {
		return nil, protoErrorf("metadata SHA-1 does not match requested info hash")
	}
	return blob, nil
}

func (s *Session) fetchMetadataPiece(piece int) ([]byte, error) {
	if _, err := s.conn.Write(extendedMessage(s.metadataExtensionID, buildMetadataRequestPayload(piece))); err != nil {
		return nil, transportErrorf("writing metadata request: %s", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(blockTimeout)); err != nil {
		return nil, transportErrorf("setting metadata deadline: %s", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := readNonKeepAlive(s.conn)
		if err != nil {
			return nil, transportErrorf("reading metadata reply: %s", err)
		}
		if msg.Type != Extended {
			continue
		}
		extID, body, err := extendedPayload(msg.Payload)
		if err != nil {
			return nil, err
		}
		if extID != ourUTMetadataID {
			continue
		}
		parsed, err := parseMetadataMessage(body)
		if err != nil {
			return nil, err
		}
		if parsed.Type == metadataReject {
			return nil, protoErrorf("peer rejected metadata piece %d", piece)
		}
		if parsed.Piece != piece {
			continue
		}
		return parsed.Data, nil
	}
}

// Close releases the underlying TCP connection.
func (s *Session) Close() error { return s.conn.Close() }

func parseHaveIndex(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, protoErrorf("HAVE payload has length %d, want 4", len(payload))
	}
	return int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3]), nil
}

// PieceHashVerify is a small helper the orchestrator uses to verify an
// assembled piece's bytes against its expected hash.
func PieceHashVerify(data []byte, want [20]byte) bool {
	return sha1.Sum(data) == want
}
