package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/corvidlabs/gotorrent/gterrors"
	"github.com/corvidlabs/gotorrent/metainfo"
	"github.com/corvidlabs/gotorrent/peer"
	"github.com/corvidlabs/gotorrent/tracker"
)

// ResolveMagnet fetches and verifies the info dictionary for a magnet
// link over BEP-9, from whichever connected peer advertises BEP-10
// support first. The torrent's total length is not yet known at this
// point, so the tracker announce reports left=0.
func ResolveMagnet(m *metainfo.Magnet, log logrus.FieldLogger) (*metainfo.Metainfo, *swarm, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m.TrackerURL == "" {
		return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "magnet link has no tracker URL")
	}

	id, err := NewClientID()
	if err != nil {
		return nil, nil, err
	}

	resp, err := tracker.Announce(m.TrackerURL, m.InfoHash, id, 0, log)
	if err != nil {
		return nil, nil, err
	}

	s := connectSwarm(resp.Peers, m.InfoHash, id, log)
	if len(s.sessions) == 0 {
		return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peers could be reached")
	}

	var infoBytes []byte
	for _, sess := range s.sessions {
		if !sess.SupportsExtension() {
			continue
		}
		if err := sess.ExtensionHandshake(); err != nil {
			log.WithError(err).WithField("peer", sess.Address).Debug("extended handshake failed")
			continue
		}
		data, err := sess.ExtensionMetadata(m.InfoHash)
		if err != nil {
			log.WithError(err).WithField("peer", sess.Address).Debug("metadata fetch failed")
			continue
		}
		infoBytes = data
		break
	}
	if infoBytes == nil {
		s.Close()
		return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer served metadata for this magnet link")
	}

	mi, err := metainfo.FromInfoBytes(m.TrackerURL, infoBytes)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return mi, s, nil
}

// ResolveMagnetHandshakeOnly connects to a magnet link's swarm and
// performs the BEP-10 extended handshake with the first peer that
// advertises support, without fetching the info dictionary. The
// returned session is the caller's to close.
func ResolveMagnetHandshakeOnly(m *metainfo.Magnet, log logrus.FieldLogger) (*metainfo.Magnet, *peer.Session, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m.TrackerURL == "" {
		return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "magnet link has no tracker URL")
	}

	id, err := NewClientID()
	if err != nil {
		return nil, nil, err
	}

	resp, err := tracker.Announce(m.TrackerURL, m.InfoHash, id, 0, log)
	if err != nil {
		return nil, nil, err
	}

	s := connectSwarm(resp.Peers, m.InfoHash, id, log)
	if len(s.sessions) == 0 {
		return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peers could be reached")
	}

	for _, sess := range s.sessions {
		if !sess.SupportsExtension() {
			continue
		}
		if err := sess.ExtensionHandshake(); err != nil {
			log.WithError(err).WithField("peer", sess.Address).Debug("extended handshake failed")
			continue
		}
		for _, other := range s.sessions {
			if other != sess {
				other.Close()
			}
		}
		return m, sess, nil
	}

	s.Close()
	return nil, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer advertised BEP-10 support")
}

// DownloadMagnet resolves a magnet link's metadata and downloads the
// full torrent it describes.
func DownloadMagnet(m *metainfo.Magnet, log logrus.FieldLogger) (*metainfo.Metainfo, []byte, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	mi, s, err := ResolveMagnet(m, log)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	prepareAll(s, log)
	if len(s.sessions) == 0 {
		return mi, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer unchoked this client")
	}

	if missing := buildHolderMap(s, mi.PieceCount()); len(missing) > 0 {
		return mi, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer holds %d piece(s), starting at %d", len(missing), missing[0])
	}

	data, err := scheduleDownload(context.Background(), s, mi, log)
	if err != nil {
		return mi, nil, err
	}
	return mi, data, nil
}

// DownloadMagnetPiece resolves a magnet link's metadata and fetches a
// single piece by index.
func DownloadMagnetPiece(m *metainfo.Magnet, p int, log logrus.FieldLogger) (*metainfo.Metainfo, []byte, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	mi, s, err := ResolveMagnet(m, log)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	buildHolderMap(s, mi.PieceCount())
	if len(s.holders[p]) == 0 {
		return mi, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer holds piece %d", p)
	}

	for _, sess := range s.holders[p] {
		if err := sess.PrepareDownload(); err != nil {
			continue
		}
		data, err := downloadPieceFrom(sess, mi, p)
		if err == nil {
			return mi, data, nil
		}
		log.WithError(err).WithField("peer", sess.Address).Debug("peer failed to serve the requested piece")
	}
	return mi, nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer successfully served piece %d", p)
}
