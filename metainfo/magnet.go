package metainfo

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/corvidlabs/gotorrent/gterrors"
)

// Magnet is a parsed magnet URI (BEP-9): an info hash plus optional
// display name and tracker URL.
type Magnet struct {
	InfoHash   [hashSize]byte
	FileName   string // dn, optional
	TrackerURL string // tr, optional
}

// ParseMagnet parses a "magnet:?xt=urn:btih:<hex>&dn=...&tr=..." URI.
func ParseMagnet(raw string) (*Magnet, error) {
	if !strings.HasPrefix(raw, "magnet:") {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "not a magnet URI: missing \"magnet:\" scheme")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "malformed magnet URI: %s", err)
	}
	query := u.Query()

	xt := query.Get("xt")
	if xt == "" {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "magnet URI missing \"xt\" parameter")
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "unsupported \"xt\" format: %s", xt)
	}
	hexHash := strings.TrimPrefix(xt, prefix)
	if len(hexHash) != 2*hashSize {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "info hash %q is not %d hex characters", hexHash, 2*hashSize)
	}
	decoded, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "invalid hex info hash: %s", err)
	}

	var hash [hashSize]byte
	copy(hash[:], decoded)

	return &Magnet{
		InfoHash:   hash,
		FileName:   query.Get("dn"),
		TrackerURL: query.Get("tr"),
	}, nil
}

// InfoHashHex returns the info hash rendered as lowercase hex.
func (m *Magnet) InfoHashHex() string { return hex.EncodeToString(m.InfoHash[:]) }
