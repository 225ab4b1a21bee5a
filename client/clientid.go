package client

import "crypto/rand"

// idPrefix mimics Azureus-style peer ids: '-', two letters of client
// name, four digits of version, '-', followed by random bytes.
var idPrefix = [8]byte{'-', 'G', 'T', '0', '1', '0', '0', '-'}

// NewClientID generates a fresh 20-byte peer id for one session.
func NewClientID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], idPrefix[:])
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
