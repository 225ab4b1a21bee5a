// Package client implements the download orchestrator: it turns tracker
// peer lists into a set of connected peer sessions, schedules piece and
// block fetches across them with bounded concurrency, verifies each
// piece's hash, and assembles the final byte buffer.
package client

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/corvidlabs/gotorrent/gterrors"
	"github.com/corvidlabs/gotorrent/metainfo"
	"github.com/corvidlabs/gotorrent/peer"
	"github.com/corvidlabs/gotorrent/tracker"
)

// maxConcurrentPieces bounds how many piece-level tasks run at once,
// independent of how many peers were discovered.
const maxConcurrentPieces = 16

// swarm is the set of live sessions plus which of them hold each piece.
type swarm struct {
	sessions  []*peer.Session
	holders   map[int][]*peer.Session
	holdersMu sync.Mutex
}

func (s *swarm) pick(piece int) *peer.Session {
	s.holdersMu.Lock()
	defer s.holdersMu.Unlock()
	candidates := s.holders[piece]
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

func (s *swarm) Close() {
	for _, sess := range s.sessions {
		sess.Close()
	}
}

// connectSwarm dials every address concurrently, keeping only the
// sessions that complete the base handshake and initial bitfield read.
func connectSwarm(addresses []string, infoHash, clientID [20]byte, log logrus.FieldLogger) *swarm {
	var mu sync.Mutex
	var sessions []*peer.Session

	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			sess, err := peer.Connect(addr, infoHash, clientID, log)
			if err != nil {
				log.WithError(err).WithField("peer", addr).Debug("could not connect to peer")
				return
			}
			mu.Lock()
			sessions = append(sessions, sess)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	return &swarm{sessions: sessions, holders: map[int][]*peer.Session{}}
}

// buildHolderMap populates which sessions advertise each of numPieces
// pieces, and reports the indices with no holder at all.
func buildHolderMap(s *swarm, numPieces int) []int {
	var missing []int
	for p := 0; p < numPieces; p++ {
		for _, sess := range s.sessions {
			if sess.Bitfield.Has(p) {
				s.holders[p] = append(s.holders[p], sess)
			}
		}
		if len(s.holders[p]) == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

// prepareAll sends INTERESTED to every session and waits for UNCHOKE.
// A session whose peer never unchokes is a fatal session error per the
// readiness handshake, so it is closed and dropped from the swarm
// rather than left in s.sessions to be picked (and time out) later.
func prepareAll(s *swarm, log logrus.FieldLogger) {
	var mu sync.Mutex
	var ready []*peer.Session
	var wg sync.WaitGroup
	for _, sess := range s.sessions {
		wg.Add(1)
		go func(sess *peer.Session) {
			defer wg.Done()
			if err := sess.PrepareDownload(); err != nil {
				log.WithError(err).WithField("peer", sess.Address).Debug("peer failed to unchoke, dropping session")
				sess.Close()
				return
			}
			mu.Lock()
			ready = append(ready, sess)
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	s.sessions = ready
}

// Download fetches every piece of mi and returns the assembled bytes.
func Download(mi *metainfo.Metainfo, log logrus.FieldLogger) ([]byte, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	id, err := NewClientID()
	if err != nil {
		return nil, err
	}

	resp, err := tracker.Announce(mi.Announce, mi.InfoHash(), id, mi.TotalLength(), log)
	if err != nil {
		return nil, err
	}

	s := connectSwarm(resp.Peers, mi.InfoHash(), id, log)
	if len(s.sessions) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peers could be reached")
	}
	defer s.Close()

	prepareAll(s, log)
	if len(s.sessions) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer unchoked this client")
	}

	if missing := buildHolderMap(s, mi.PieceCount()); len(missing) > 0 {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer holds %d piece(s), starting at %d", len(missing), missing[0])
	}

	return scheduleDownload(context.Background(), s, mi, log)
}

// scheduleDownload runs a bounded pool of piece-level workers pulling
// from a shared queue. A piece that fails verification or whose block
// fetch errors is pushed back onto the queue, to be picked up again by
// whichever worker (and whichever peer) reaches it next. Because the
// queue never holds more than one outstanding copy of a given piece
// index at a time, the worker that completes the last piece is always
// the one safe to close the queue.
func scheduleDownload(ctx context.Context, s *swarm, mi *metainfo.Metainfo, log logrus.FieldLogger) ([]byte, error) {
	numPieces := mi.PieceCount()
	file := make([]byte, mi.TotalLength())
	if numPieces == 0 {
		return file, nil
	}

	queue := make(chan int, numPieces)
	for p := 0; p < numPieces; p++ {
		queue <- p
	}

	workers := maxConcurrentPieces
	if workers > numPieces {
		workers = numPieces
	}
	if workers < 1 {
		workers = 1
	}

	var completed int64
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for p := range queue {
				data, err := downloadPiece(s, mi, p, log)
				if err != nil {
					log.WithError(err).WithField("piece", p).Debug("piece failed, re-queueing")
					queue <- p
					continue
				}
				copy(file[p*mi.PieceLength:], data)
				if atomic.AddInt64(&completed, 1) == int64(numPieces) {
					close(queue)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return file, nil
}

// downloadPiece fetches every block of piece p from a single randomly
// chosen holder and verifies the assembled bytes' SHA-1.
func downloadPiece(s *swarm, mi *metainfo.Metainfo, p int, log logrus.FieldLogger) ([]byte, error) {
	sess := s.pick(p)
	if sess == nil {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no holder available for piece %d", p)
	}

	size := mi.PieceSize(p)
	data := make([]byte, size)

	var g errgroup.Group
	for offset := 0; offset < size; offset += peer.BlockSize {
		offset := offset
		length := peer.BlockSize
		if offset+length > size {
			length = size - offset
		}
		g.Go(func() error {
			block, err := sess.RequestBlock(p, offset, length)
			if err != nil {
				return err
			}
			copy(data[offset:], block)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !peer.PieceHashVerify(data, mi.PieceHash(p)) {
		return nil, gterrors.Wrap(gterrors.ErrProtocol, "piece %d failed hash verification", p)
	}
	return data, nil
}

// DownloadPiece is the degenerate single-piece orchestrator: it finds
// one peer holding piece p, fetches its blocks, verifies, and returns it.
func DownloadPiece(mi *metainfo.Metainfo, p int, log logrus.FieldLogger) ([]byte, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	id, err := NewClientID()
	if err != nil {
		return nil, err
	}

	resp, err := tracker.Announce(mi.Announce, mi.InfoHash(), id, mi.TotalLength(), log)
	if err != nil {
		return nil, err
	}

	s := connectSwarm(resp.Peers, mi.InfoHash(), id, log)
	if len(s.sessions) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peers could be reached")
	}
	defer s.Close()

	buildHolderMap(s, mi.PieceCount())
	if len(s.holders[p]) == 0 {
		return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer holds piece %d", p)
	}

	for _, sess := range s.holders[p] {
		if err := sess.PrepareDownload(); err != nil {
			continue
		}
		data, err := downloadPieceFrom(sess, mi, p)
		if err == nil {
			return data, nil
		}
		log.WithError(err).WithField("peer", sess.Address).Debug("peer failed to serve the requested piece")
	}
	return nil, gterrors.Wrap(gterrors.ErrAvailability, "no peer successfully served piece %d", p)
}

func downloadPieceFrom(sess *peer.Session, mi *metainfo.Metainfo, p int) ([]byte, error) {
	size := mi.PieceSize(p)
	data := make([]byte, size)

	for offset := 0; offset < size; offset += peer.BlockSize {
		length := peer.BlockSize
		if offset+length > size {
			length = size - offset
		}
		block, err := sess.RequestBlock(p, offset, length)
		if err != nil {
			return nil, err
		}
		copy(data[offset:], block)
	}

	if !peer.PieceHashVerify(data, mi.PieceHash(p)) {
		return nil, gterrors.Wrap(gterrors.ErrProtocol, "piece %d failed hash verification", p)
	}
	return data, nil
}
