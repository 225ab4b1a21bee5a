// Package metainfo models a parsed torrent descriptor: the announce
// URL(s), the piece layout and hashes, and the file layout, plus the
// derived 20-byte info hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"

	"github.com/corvidlabs/gotorrent/bencode"
	"github.com/corvidlabs/gotorrent/gterrors"
)

const hashSize = 20

// FileEntry is one file inside a multi-file torrent layout (or the
// single synthetic entry for a single-file torrent).
type FileEntry struct {
	CumStart int    // byte offset of this file's start in the virtual concatenation
	Length   int    // file length in bytes
	Path     string // path relative to the torrent's name/directory
}

// Metainfo is an immutable, parsed torrent descriptor.
type Metainfo struct {
	Announce     string   // primary tracker URL
	AnnounceList []string // flattened BEP-12 announce-list, primary URL first
	Name         string
	PieceLength  int
	Pieces       [][hashSize]byte
	Files        []FileEntry
	TotalBytes   int
	infoHash     [hashSize]byte
}

// Parse decodes bencode and extracts a Metainfo, including its info
// hash, from raw torrent-file bytes.
func Parse(data []byte) (*Metainfo, error) {
	root, err := bencode.Decode(data)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "parsing torrent file: %s", err)
	}
	if root.Kind != bencode.Dictionary {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "torrent file is not a bencoded dictionary")
	}

	announce, ok := root.GetString("announce")
	if !ok || len(announce) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "torrent file missing \"announce\" key")
	}

	announceList := []string{string(announce)}
	if tiers, ok := root.GetList("announce-list"); ok {
		announceList = flattenAnnounceList(tiers, string(announce))
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.Dictionary {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "torrent file missing \"info\" dictionary")
	}

	info, err := parseInfoDict(infoVal)
	if err != nil {
		return nil, err
	}
	info.Announce = string(announce)
	info.AnnounceList = announceList
	info.infoHash = sha1.Sum(infoVal.Raw)
	return info, nil
}

// FromInfoBytes builds a Metainfo from a raw bencoded info dictionary,
// the form in which BEP-9 delivers metadata over the peer wire. The
// announce URL is supplied separately since a magnet link's tracker (if
// any) lives outside the info dictionary.
func FromInfoBytes(announce string, infoBytes []byte) (*Metainfo, error) {
	infoVal, err := bencode.Decode(infoBytes)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "parsing metadata info dictionary: %s", err)
	}
	if infoVal.Kind != bencode.Dictionary {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "metadata is not a bencoded dictionary")
	}

	info, err := parseInfoDict(infoVal)
	if err != nil {
		return nil, err
	}
	info.Announce = announce
	if announce != "" {
		info.AnnounceList = []string{announce}
	}
	info.infoHash = sha1.Sum(infoVal.Raw)
	return info, nil
}

func flattenAnnounceList(tiers []bencode.Value, primary string) []string {
	out := []string{primary}
	seen := map[string]bool{primary: true}
	for _, tier := range tiers {
		if tier.Kind != bencode.List {
			continue
		}
		for _, u := range tier.Elems {
			if u.Kind != bencode.String || len(u.Str) == 0 {
				continue
			}
			url := string(u.Str)
			if seen[url] {
				continue
			}
			seen[url] = true
			out = append(out, url)
		}
	}
	return out
}

func parseInfoDict(info bencode.Value) (*Metainfo, error) {
	piecesBlob, ok := info.GetString("pieces")
	if !ok {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "info dictionary missing \"pieces\" key")
	}
	if len(piecesBlob)%hashSize != 0 {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "pieces blob length %d is not a multiple of %d", len(piecesBlob), hashSize)
	}

	name, ok := info.GetString("name")
	if !ok || len(name) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "info dictionary missing \"name\" key")
	}

	pieceLength, ok := info.GetInt("piece length")
	if !ok || pieceLength <= 0 {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "info dictionary missing or invalid \"piece length\"")
	}

	var files []FileEntry
	var total int
	if length, ok := info.GetInt("length"); ok {
		if length < 0 {
			return nil, gterrors.Wrap(gterrors.ErrDecode, "negative value for \"length\": %d", length)
		}
		total = int(length)
		files = []FileEntry{{Length: total, Path: string(name)}}
	} else {
		rawFiles, ok := info.GetList("files")
		if !ok || len(rawFiles) == 0 {
			return nil, gterrors.Wrap(gterrors.ErrDecode, "info dictionary has neither \"length\" nor \"files\"")
		}
		var err error
		files, total, err = parseFiles(rawFiles)
		if err != nil {
			return nil, err
		}
	}

	pieces := splitPieceHashes(piecesBlob)
	return &Metainfo{
		Name:        string(name),
		PieceLength: int(pieceLength),
		Pieces:      pieces,
		Files:       files,
		TotalBytes:  total,
	}, nil
}

func parseFiles(raw []bencode.Value) ([]FileEntry, int, error) {
	out := make([]FileEntry, len(raw))
	total := 0
	for i, f := range raw {
		length, ok := f.GetInt("length")
		if !ok || length < 0 {
			return nil, 0, gterrors.Wrap(gterrors.ErrDecode, "file %d missing or invalid \"length\"", i)
		}
		pathParts, ok := f.GetList("path")
		if !ok || len(pathParts) == 0 {
			return nil, 0, gterrors.Wrap(gterrors.ErrDecode, "file %d missing \"path\"", i)
		}
		segments := make([]string, len(pathParts))
		for j, p := range pathParts {
			if p.Kind != bencode.String {
				return nil, 0, gterrors.Wrap(gterrors.ErrDecode, "file %d path segment %d is not a byte string", i, j)
			}
			segments[j] = string(p.Str)
		}
		out[i] = FileEntry{
			CumStart: total,
			Length:   int(length),
			Path:     filepath.Join(segments...),
		}
		total += int(length)
	}
	return out, total, nil
}

func splitPieceHashes(blob []byte) [][hashSize]byte {
	hashes := make([][hashSize]byte, len(blob)/hashSize)
	for i := range hashes {
		copy(hashes[i][:], blob[i*hashSize:(i+1)*hashSize])
	}
	return hashes
}

// InfoHash returns the 20-byte SHA-1 of the bencoded info dictionary.
func (m *Metainfo) InfoHash() [hashSize]byte { return m.infoHash }

// PieceCount returns the number of pieces in the torrent.
func (m *Metainfo) PieceCount() int { return len(m.Pieces) }

// PieceHash returns the expected SHA-1 digest of piece i.
func (m *Metainfo) PieceHash(i int) [hashSize]byte { return m.Pieces[i] }

// TotalLength returns the sum of all file lengths.
func (m *Metainfo) TotalLength() int { return m.TotalBytes }

// PieceSize returns the size of piece i, which is shorter than
// PieceLength only for the final piece.
func (m *Metainfo) PieceSize(i int) int {
	remaining := m.TotalBytes - i*m.PieceLength
	if remaining < m.PieceLength {
		return remaining
	}
	return m.PieceLength
}

// Multi reports whether this torrent describes more than one file.
func (m *Metainfo) Multi() bool { return len(m.Files) > 1 }

// String renders a one-line summary of the torrent.
func (m *Metainfo) String() string {
	return fmt.Sprintf("%s: %d bytes, %d pieces of %d bytes", m.Name, m.TotalBytes, m.PieceCount(), m.PieceLength)
}
