package core_test

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"CreditLedger/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestHashChainLinksEachCommand(t *testing.T) {
	chain := core.NewHashChain()
	assert.Equal(t, core.GenesisHash(), chain.Tip())

	first := chain.Link(1, []byte("state-1"))
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], 1)
	genesis := core.GenesisHash()
	want := sha256.Sum256(append(append(genesis[:], seq[:]...), "state-1"...))
	assert.Equal(t, want, first)
	assert.Equal(t, first, chain.Tip())

	second := chain.Link(2, []byte("state-1"))
	assert.NotEqual(t, first, second, "same digest at a later sequence hashes differently")

	replica := core.NewHashChain()
	replica.Link(1, []byte("state-1"))
	assert.Equal(t, second, replica.Link(2, []byte("state-1")))
}
