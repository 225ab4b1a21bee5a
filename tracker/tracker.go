// Package tracker implements the HTTP(S) tracker announce call: build
// the query string, GET the announce URL, decode the bencoded response
// and parse its compact peer list.
package tracker

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvidlabs/gotorrent/bencode"
	"github.com/corvidlabs/gotorrent/gterrors"
)

const (
	httpTimeout = 30 * time.Second
	clientPort  = 6881
)

// Response is the parsed tracker announce response.
type Response struct {
	Interval int // seconds, 0 if the tracker didn't send one
	Peers    []string
}

// Announce issues the HTTP GET against announceURL with the query
// parameters BEP-3 requires, and returns the peers it advertises.
func Announce(announceURL string, infoHash, clientID [20]byte, totalLength int, log logrus.FieldLogger) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "malformed tracker URL %q: %s", announceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, gterrors.Wrap(gterrors.ErrTransport, "unsupported tracker scheme %q", u.Scheme)
	}

	query := url.Values{
		"info_hash":  []string{string(infoHash[:])},
		"peer_id":    []string{string(clientID[:])},
		"port":       []string{strconv.Itoa(clientPort)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{strconv.Itoa(totalLength)},
		"compact":    []string{"1"},
	}
	u.RawQuery = query.Encode()

	if log != nil {
		log.WithField("tracker", u.Host).Debug("announcing to tracker")
	}

	client := &http.Client{Timeout: httpTimeout}
	res, err := client.Get(u.String())
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrTransport, "tracker request failed: %s", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, gterrors.Wrap(gterrors.ErrTransport, "tracker returned status %s", res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrTransport, "reading tracker response: %s", err)
	}

	root, err := bencode.Decode(body)
	if err != nil {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "decoding tracker response: %s", err)
	}
	return parseResponse(root)
}

func parseResponse(root bencode.Value) (*Response, error) {
	if root.Kind != bencode.Dictionary {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "tracker response is not a dictionary")
	}
	if reason, ok := root.GetString("failure reason"); ok {
		return nil, gterrors.Wrap(gterrors.ErrTransport, "tracker failure: %s", reason)
	}

	interval, _ := root.GetInt("interval")

	peersBlob, ok := root.GetString("peers")
	if !ok {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "tracker response missing \"peers\" key")
	}
	peers, err := parseCompactPeers(peersBlob, net.IPv4len)
	if err != nil {
		return nil, err
	}

	if peers6, ok := root.GetString("peers6"); ok {
		if more, err := parseCompactPeers(peers6, net.IPv6len); err == nil {
			peers = append(peers, more...)
		}
	}

	return &Response{Interval: int(interval), Peers: peers}, nil
}

// parseCompactPeers parses the BEP-23 compact peer list: groups of
// ipSize+2 bytes, IP followed by a big-endian port.
func parseCompactPeers(blob []byte, ipSize int) ([]string, error) {
	entrySize := ipSize + 2
	if len(blob)%entrySize != 0 {
		return nil, gterrors.Wrap(gterrors.ErrDecode, "compact peer list length %d is not a multiple of %d", len(blob), entrySize)
	}
	peers := make([]string, 0, len(blob)/entrySize)
	for i := 0; i < len(blob); i += entrySize {
		ip := net.IP(blob[i : i+ipSize])
		port := binary.BigEndian.Uint16(blob[i+ipSize : i+entrySize])
		peers = append(peers, net.JoinHostPort(ip.String(), fmt.Sprint(port)))
	}
	return peers, nil
}
