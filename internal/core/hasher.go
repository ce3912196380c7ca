package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "CreditLedger:genesis:v1"

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// HashChain links every committed command to the one before it, so two
// replicas that agree on the tip agree on the whole history.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: GenesisHash()}
}

// Link appends a command: tip = sha256(tip | le64(sequence) | digest).
func (c *HashChain) Link(sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(c.tip)+8+len(digest))
	buf = append(buf, c.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	c.tip = sha256.Sum256(buf)
	return c.tip
}

func (c *HashChain) Tip() [32]byte {
	return c.tip
}
