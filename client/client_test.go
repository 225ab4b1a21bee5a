package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/gotorrent/peer"
)

func TestNewClientIDHasExpectedPrefix(t *testing.T) {
	id, err := NewClientID()
	require.NoError(t, err)
	assert.Equal(t, "-GT0100-", string(id[:8]))
}

func TestNewClientIDIsRandomised(t *testing.T) {
	a, err := NewClientID()
	require.NoError(t, err)
	b, err := NewClientID()
	require.NoError(t, err)
	assert.NotEqual(t, a[8:], b[8:])
}

func fakeSwarm(bitfields ...peer.Bitfield) *swarm {
	s := &swarm{holders: map[int][]*peer.Session{}}
	for _, bf := range bitfields {
		s.sessions = append(s.sessions, &peer.Session{Bitfield: bf})
	}
	return s
}

func TestBuildHolderMapFindsEveryHolder(t *testing.T) {
	s := fakeSwarm(peer.Bitfield{0b10000000}, peer.Bitfield{0b01000000})
	missing := buildHolderMap(s, 2)
	assert.Empty(t, missing)
	assert.Len(t, s.holders[0], 1)
	assert.Len(t, s.holders[1], 1)
}

func TestBuildHolderMapReportsMissingPieces(t *testing.T) {
	s := fakeSwarm(peer.Bitfield{0b10000000})
	missing := buildHolderMap(s, 3)
	assert.Equal(t, []int{1, 2}, missing)
}

func TestSwarmPickReturnsNilWithoutHolders(t *testing.T) {
	s := fakeSwarm()
	assert.Nil(t, s.pick(0))
}

func TestSwarmPickReturnsTheSoleHolder(t *testing.T) {
	s := fakeSwarm(peer.Bitfield{0b10000000})
	buildHolderMap(s, 1)
	picked := s.pick(0)
	require.NotNil(t, picked)
	assert.Same(t, s.sessions[0], picked)
}
