package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/gotorrent/bencode"
)

func TestParseCompactPeers(t *testing.T) {
	blob := []byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1, 0x0A, 0x00, 0x00, 0x02, 0x1A, 0xE1}
	peers, err := parseCompactPeers(blob, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:6881", "10.0.0.2:6881"}, peers)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3}, 4)
	require.Error(t, err)
}

func TestAnnounceAgainstMockTracker(t *testing.T) {
	peers := []byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1}
	dict := bencode.NewDict(map[string]bencode.Value{
		"interval": bencode.NewInt(1800),
		"peers":    bencode.NewString(peers),
	})
	body := bencode.Encode(dict)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("info_hash"))
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write(body)
	}))
	defer srv.Close()

	var infoHash, clientID [20]byte
	copy(clientID[:], "-GT0001-000000000000")

	resp, err := Announce(srv.URL, infoHash, clientID, 1024, nil)
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, []string{"10.0.0.1:6881"}, resp.Peers)
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	dict := bencode.NewDict(map[string]bencode.Value{
		"failure reason": bencode.NewString([]byte("unregistered torrent")),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bencode.Encode(dict))
	}))
	defer srv.Close()

	var infoHash, clientID [20]byte
	_, err := Announce(srv.URL, infoHash, clientID, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered torrent")
}

func TestAnnounceRejectsNonHTTPScheme(t *testing.T) {
	var infoHash, clientID [20]byte
	_, err := Announce("udp://tracker.example:80/announce", infoHash, clientID, 0, nil)
	require.Error(t, err)
}
