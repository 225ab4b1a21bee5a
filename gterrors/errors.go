// Package gterrors defines the sentinel error kinds shared across the
// bencode, metainfo, tracker, peer and client packages, so callers can
// branch on failure class with errors.Is/errors.As instead of string
// matching.
package gterrors

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode covers malformed bencode, missing metainfo fields and
	// bad magnet URIs.
	ErrDecode = errors.New("decode error")

	// ErrTransport covers TCP connect/read/write failures and HTTP
	// tracker errors.
	ErrTransport = errors.New("transport error")

	// ErrProtocol covers handshake mismatches, unexpected message ids,
	// length/payload mismatches and piece hash mismatches.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout covers I/O that exceeded its deadline.
	ErrTimeout = errors.New("timeout error")

	// ErrAvailability covers "no peers" and "piece has no holder".
	ErrAvailability = errors.New("availability error")
)

// Wrap annotates err with a sentinel kind so errors.Is(err, kind) holds,
// while keeping the original message text.
func Wrap(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
