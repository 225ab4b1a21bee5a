package peer

import (
	"bytes"
	"crypto/sha1"

	"github.com/corvidlabs/gotorrent/bencode"
)

// utMetadataExtensionName is the only BEP-10 sub-extension this client
// advertises; BEP-9 defines its message ids.
const utMetadataExtensionName = "ut_metadata"

// ourUTMetadataID is the id we advertise for ut_metadata in our own
// extended handshake; peers echo requests against this id.
const ourUTMetadataID uint8 = 1

const (
	metadataRequest uint8 = 0
	metadataData    uint8 = 1
	metadataReject  uint8 = 2
)

// metadataPieceSize is BEP-9's fixed chunk size for metadata pieces;
// the final piece may be shorter.
const metadataPieceSize = 16 * 1024

// buildExtendedHandshakePayload renders the bencoded {"m": {"ut_metadata": 1}}.
func buildExtendedHandshakePayload() []byte {
	dict := bencode.NewDict(map[string]bencode.Value{
		"m": bencode.NewDict(map[string]bencode.Value{
			utMetadataExtensionName: bencode.NewInt(int64(ourUTMetadataID)),
		}),
	})
	return bencode.Encode(dict)
}

// parsedExtendedHandshake is what parseExtendedHandshakePayload pulls out of
// the peer's own extended handshake payload.
type parsedExtendedHandshake struct {
	MetadataExtensionID uint8
	MetadataSize        int
	HasMetadataSize     bool
}

func parseExtendedHandshakePayload(payload []byte) (parsedExtendedHandshake, error) {
	root, err := bencode.Decode(payload)
	if err != nil {
		return parsedExtendedHandshake{}, protoErrorf("decoding extended handshake: %s", err)
	}
	mDict, ok := root.Get("m")
	if !ok || mDict.Kind != bencode.Dictionary {
		return parsedExtendedHandshake{}, protoErrorf("extended handshake missing \"m\" dictionary")
	}
	id, ok := mDict.GetInt(utMetadataExtensionName)
	if !ok {
		return parsedExtendedHandshake{}, protoErrorf("peer does not advertise ut_metadata")
	}

	out := parsedExtendedHandshake{MetadataExtensionID: uint8(id)}
	if size, ok := root.GetInt("metadata_size"); ok {
		out.MetadataSize = int(size)
		out.HasMetadataSize = true
	}
	return out, nil
}

// buildMetadataRequestPayload renders {"msg_type":0,"piece":i}.
func buildMetadataRequestPayload(piece int) []byte {
	dict := bencode.NewDict(map[string]bencode.Value{
		"msg_type": bencode.NewInt(int64(metadataRequest)),
		"piece":    bencode.NewInt(int64(piece)),
	})
	return bencode.Encode(dict)
}

// parsedMetadataMessage is a decoded ut_metadata data/reject message.
type parsedMetadataMessage struct {
	Type      uint8
	Piece     int
	TotalSize int
	Data      []byte // raw metadata bytes trailing the bencoded header, for "data" messages
}

// parseMetadataMessage decodes the bencoded header prefixing an
// ut_metadata message and returns whatever raw bytes follow it as Data.
func parseMetadataMessage(payload []byte) (parsedMetadataMessage, error) {
	header, consumed, err := bencode.DecodePrefix(payload)
	if err != nil {
		return parsedMetadataMessage{}, protoErrorf("decoding metadata message header: %s", err)
	}
	msgType, ok := header.GetInt("msg_type")
	if !ok {
		return parsedMetadataMessage{}, protoErrorf("metadata message missing \"msg_type\"")
	}

	out := parsedMetadataMessage{Type: uint8(msgType)}
	if out.Type == metadataReject {
		return out, nil
	}

	piece, ok := header.GetInt("piece")
	if !ok {
		return parsedMetadataMessage{}, protoErrorf("metadata message missing \"piece\"")
	}
	out.Piece = int(piece)
	if total, ok := header.GetInt("total_size"); ok {
		out.TotalSize = int(total)
	}
	out.Data = bytes.Clone(payload[consumed:])
	return out, nil
}

// verifyMetadata checks the concatenated metadata blob against the
// info hash taken from the magnet link or tracker context.
func verifyMetadata(blob []byte, wantInfoHash [20]byte) bool {
	return sha1.Sum(blob) == wantInfoHash
}
