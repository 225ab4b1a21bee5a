package peer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

const bitfieldFuzzIterations = 200

func TestBitfieldHas(t *testing.T) {
	bf := Bitfield{0b11001100, 0b10101010}
	expected := []bool{true, true, false, false, true, true, false, false, true, false, true, false, true, false, true, false}
	for index, want := range expected {
		assert.Equal(t, want, bf.Has(index), "index %d", index)
	}
}

func TestBitfieldHasOutOfRange(t *testing.T) {
	bf := Bitfield{0xFF}
	assert.False(t, bf.Has(-1))
	assert.False(t, bf.Has(64))
}

func TestBitfieldSet(t *testing.T) {
	bf := Bitfield{0, 0}
	for index := 0; index < len(bf)*8; index++ {
		assert.False(t, bf.Has(index))
		bf.Set(index)
		assert.True(t, bf.Has(index))
	}
}

func TestBitfieldSetRandomised(t *testing.T) {
	for i := 0; i < bitfieldFuzzIterations; i++ {
		bf := make(Bitfield, 5)
		_, err := rand.Read(bf)
		assert.NoError(t, err)

		idx := rand.Intn(len(bf) * 8)
		was := bf.Has(idx)
		bf.Set(idx)
		assert.True(t, bf.Has(idx))
		if was {
			// setting an already-set bit is a no-op
			assert.True(t, bf.Has(idx))
		}
	}
}

func TestBitfieldIndices(t *testing.T) {
	bf := Bitfield{0b10000001}
	assert.Equal(t, []int{0, 7}, bf.Indices())
}
