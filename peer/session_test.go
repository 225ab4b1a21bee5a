package peer

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/gotorrent/bencode"
)

// mockPeer returns a connected pair; the second end is handed to the
// test as the "remote peer" to script responses on.
func mockPeer(t *testing.T) (clientConn, remoteConn net.Conn) {
	t.Helper()
	clientConn, remoteConn = net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		remoteConn.Close()
	})
	return clientConn, remoteConn
}

func writeFrame(t *testing.T, conn net.Conn, msgType MessageType, payload []byte) {
	t.Helper()
	m := &message{Type: msgType, Payload: payload}
	_, err := conn.Write(m.serialize())
	require.NoError(t, err)
}

// TestBaseHandshakeReportsPeerIDAndExtensionBit exercises the exact
// scenario from end-to-end test 4: a mock peer echoes a handshake with
// a fixed peer id and the extension bit set.
func TestBaseHandshakeReportsPeerIDAndExtensionBit(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var infoHash, clientID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	wantPeerID := "-TR2940-k8hj0wgej6ch"

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, HandshakeSize)
		if _, err := readFull(conn, buf); err != nil {
			return
		}

		reply := buildHandshake(infoHash, [20]byte{})
		reply[1+len(Protocol)+5] = extendedBit
		copy(reply[1+len(Protocol)+8+20:], wantPeerID)
		conn.Write(reply)
		bitfieldFrame := (&message{Type: BitfieldMsg, Payload: []byte{0xFF}}).serialize()
		conn.Write(bitfieldFrame)
	}()

	sess, err := Connect(listener.Addr().String(), infoHash, clientID, nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, wantPeerID, string(sess.PeerID[:]))
	assert.True(t, sess.SupportsExtension())
}

func handshakeOverPipe(t *testing.T, clientConn, remoteConn net.Conn, infoHash [20]byte) *Session {
	t.Helper()

	go func() {
		buf := make([]byte, HandshakeSize)
		if _, err := readFull(remoteConn, buf); err != nil {
			return
		}
		reply := buildHandshake(infoHash, [20]byte{9})
		remoteConn.Write(reply)
		writeFrame(t, remoteConn, BitfieldMsg, []byte{0b10000000})
	}()

	sess := &Session{conn: clientConn, Address: "pipe", log: logrus.New()}
	require.NoError(t, sess.handshake(infoHash, [20]byte{1}))
	require.NoError(t, sess.readInitialBitfield())
	return sess
}

func TestPrepareDownloadWaitsForUnchoke(t *testing.T) {
	clientConn, remoteConn := mockPeer(t)
	var infoHash [20]byte
	sess := handshakeOverPipe(t, clientConn, remoteConn, infoHash)

	go func() {
		msg, err := readNonKeepAlive(remoteConn)
		require.NoError(t, err)
		require.Equal(t, Interested, msg.Type)

		// a HAVE before the real UNCHOKE, which updates the bitfield
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, 3)
		writeFrame(t, remoteConn, Have, payload)
		writeFrame(t, remoteConn, Unchoke, nil)
	}()

	require.NoError(t, sess.PrepareDownload())
	assert.True(t, sess.Bitfield.Has(3))
}

// TestSinglePieceBlockFetch matches end-to-end test 5: a mock peer
// serves one 16384-byte block whose SHA-1 is known in advance.
func TestSinglePieceBlockFetch(t *testing.T) {
	clientConn, remoteConn := mockPeer(t)
	var infoHash [20]byte
	sess := handshakeOverPipe(t, clientConn, remoteConn, infoHash)

	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	wantHash := sha1.Sum(payload)

	go func() {
		msg, err := readNonKeepAlive(remoteConn)
		require.NoError(t, err)
		require.Equal(t, Request, msg.Type)

		body := make([]byte, 8+len(payload))
		binary.BigEndian.PutUint32(body[0:4], 0)
		binary.BigEndian.PutUint32(body[4:8], 0)
		copy(body[8:], payload)
		writeFrame(t, remoteConn, Piece, body)
	}()

	data, err := sess.RequestBlock(0, 0, BlockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, wantHash, sha1.Sum(data))
}

func TestRequestBlockIgnoresMismatchedPieces(t *testing.T) {
	clientConn, remoteConn := mockPeer(t)
	var infoHash [20]byte
	sess := handshakeOverPipe(t, clientConn, remoteConn, infoHash)

	go func() {
		msg, err := readNonKeepAlive(remoteConn)
		require.NoError(t, err)
		require.Equal(t, Request, msg.Type)

		// a stale reply for a different piece, then the real one
		stale := make([]byte, 8+4)
		binary.BigEndian.PutUint32(stale[0:4], 9)
		writeFrame(t, remoteConn, Piece, stale)

		good := make([]byte, 8+4)
		binary.BigEndian.PutUint32(good[0:4], 2)
		binary.BigEndian.PutUint32(good[4:8], 0)
		copy(good[8:], []byte{1, 2, 3, 4})
		writeFrame(t, remoteConn, Piece, good)
	}()

	data, err := sess.RequestBlock(2, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

// TestExtensionHandshakeAndMetadata exercises BEP-10/BEP-9 end to end:
// the client announces ut_metadata=1, the peer announces its own id and
// a metadata_size, then serves the info dictionary across two pieces.
func TestExtensionHandshakeAndMetadata(t *testing.T) {
	clientConn, remoteConn := mockPeer(t)
	var infoHash [20]byte

	infoDict := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
		"name":         bencode.NewString([]byte("ubuntu.iso")),
		"length":       bencode.NewInt(int64(metadataPieceSize + 10)),
		"piece length": bencode.NewInt(32768),
		// enough piece hashes that the encoded dictionary spans two metadata pieces
		"pieces": bencode.NewString(make([]byte, 20*(metadataPieceSize/20+1))),
	}))
	infoHash = sha1.Sum(infoDict)

	sess := handshakeOverPipeExtended(t, clientConn, remoteConn, infoHash)

	go func() {
		// extended handshake request from the client
		msg, err := readNonKeepAlive(remoteConn)
		require.NoError(t, err)
		require.Equal(t, Extended, msg.Type)
		extID, _, err := extendedPayload(msg.Payload)
		require.NoError(t, err)
		require.EqualValues(t, 0, extID)

		reply := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
			"m":             bencode.NewDict(map[string]bencode.Value{"ut_metadata": bencode.NewInt(7)}),
			"metadata_size": bencode.NewInt(int64(len(infoDict))),
		}))
		writeFrame(t, remoteConn, Extended, append([]byte{0}, reply...))

		for i := 0; i < 2; i++ {
			msg, err := readNonKeepAlive(remoteConn)
			require.NoError(t, err)
			require.Equal(t, Extended, msg.Type)
			extID, body, err := extendedPayload(msg.Payload)
			require.NoError(t, err)
			require.EqualValues(t, 7, extID)

			req, _, err := bencode.DecodePrefix(body)
			require.NoError(t, err)
			piece, _ := req.GetInt("piece")

			start := int(piece) * metadataPieceSize
			end := start + metadataPieceSize
			if end > len(infoDict) {
				end = len(infoDict)
			}
			header := bencode.Encode(bencode.NewDict(map[string]bencode.Value{
				"msg_type":   bencode.NewInt(1),
				"piece":      bencode.NewInt(piece),
				"total_size": bencode.NewInt(int64(len(infoDict))),
			}))
			out := append(header, infoDict[start:end]...)
			writeFrame(t, remoteConn, Extended, append([]byte{ourUTMetadataID}, out...))
		}
	}()

	require.NoError(t, sess.ExtensionHandshake())
	blob, err := sess.ExtensionMetadata(infoHash)
	require.NoError(t, err)
	assert.Equal(t, infoDict, blob)
}

func handshakeOverPipeExtended(t *testing.T, clientConn, remoteConn net.Conn, infoHash [20]byte) *Session {
	t.Helper()
	done := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, HandshakeSize)
		readFull(remoteConn, buf)
		reply := buildHandshake(infoHash, [20]byte{9})
		reply[1+len(Protocol)+5] = extendedBit
		remoteConn.Write(reply)
		writeFrame(t, remoteConn, BitfieldMsg, []byte{0x00})
		done <- struct{}{}
	}()

	sess := &Session{conn: clientConn, Address: "pipe", log: logrus.New()}
	require.NoError(t, sess.handshake(infoHash, [20]byte{1}))
	require.NoError(t, sess.readInitialBitfield())
	<-done
	return sess
}
