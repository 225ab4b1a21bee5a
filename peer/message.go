package peer

import (
	"encoding/binary"
	"io"
)

// MessageType is the one-byte id prefixing a non keep-alive message.
type MessageType uint8

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	BitfieldMsg   MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Extended      MessageType = 20
)

// message is a parsed length-prefixed wire message. Keep-alives have no
// message value: readMessage reports them as a nil *message.
type message struct {
	Type    MessageType
	Payload []byte
}

// readMessage reads exactly one frame off the wire. A zero-length frame
// (keep-alive) yields a nil *message and nil error.
func readMessage(r io.Reader) (*message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, transportErrorf("reading message length: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, transportErrorf("reading message body: %s", err)
	}
	return &message{Type: MessageType(buf[0]), Payload: buf[1:]}, nil
}

// readNonKeepAlive reads frames until it finds a non keep-alive one.
func readNonKeepAlive(r io.Reader) (*message, error) {
	for {
		msg, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (m *message) serialize() []byte {
	payloadLen := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+payloadLen)
	binary.BigEndian.PutUint32(buf, payloadLen)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

func simpleMessage(t MessageType) []byte {
	return (&message{Type: t}).serialize()
}

func interestedMessage() []byte { return simpleMessage(Interested) }

func requestMessage(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return (&message{Type: Request, Payload: payload}).serialize()
}

func extendedMessage(extensionID uint8, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = extensionID
	copy(body[1:], payload)
	return (&message{Type: Extended, Payload: body}).serialize()
}

// pieceChunk is a parsed PIECE message payload.
type pieceChunk struct {
	Index int
	Begin int
	Data  []byte
}

func parsePieceMessage(payload []byte) (*pieceChunk, error) {
	if len(payload) < 8 {
		return nil, protoErrorf("PIECE payload has length %d, want at least 8", len(payload))
	}
	return &pieceChunk{
		Index: int(binary.BigEndian.Uint32(payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Data:  payload[8:],
	}, nil
}

// extendedPayload splits an EXTENDED message's payload into the
// peer-assigned extension id and the sub-protocol body.
func extendedPayload(payload []byte) (uint8, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, protoErrorf("EXTENDED payload is empty")
	}
	return payload[0], payload[1:], nil
}
