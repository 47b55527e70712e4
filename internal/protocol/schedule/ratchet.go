package schedule

import (
	"golang.org/x/crypto/chacha20poly1305"

	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/util/memzero"
)

// MaxGenerationSkip bounds how far ahead of a sender's chain KeyFor will
// derive. Skipped generations are burned, so the bound also limits how much
// of a chain a single out-of-order payload can consume.
const MaxGenerationSkip = 1000

// SenderRatchet is one member's per-epoch message chain. Each generation
// yields an AEAD key and nonce, then the chain steps one-way: a consumed
// generation cannot be re-derived.
type SenderRatchet struct {
	Leaf     uint32
	NextGen  uint32
	ChainKey [32]byte
}

// NewSenderRatchet seeds the chain for one leaf from the epoch's encryption
// secret.
func NewSenderRatchet(encryptionSecret [32]byte, leaf uint32) *SenderRatchet {
	w := codec.NewWriter()
	w.U32(leaf)
	var ck [32]byte
	copy(ck[:], crypto.ExpandWithLabel(encryptionSecret[:], "sender chain", w.Bytes(), 32))
	return &SenderRatchet{Leaf: leaf, ChainKey: ck}
}

// Next consumes the current generation for sending.
func (r *SenderRatchet) Next() (key, nonce []byte, gen uint32) {
	gen = r.NextGen
	key, nonce = r.materials()
	r.step()
	return key, nonce, gen
}

// KeyFor consumes generation gen for receiving. Generations below the
// watermark fail with ErrReplayDetected; generations more than
// MaxGenerationSkip ahead fail with ErrGenerationTooFar; skipped
// generations in between are derived and discarded, so the chain only
// moves forward.
func (r *SenderRatchet) KeyFor(gen uint32) (key, nonce []byte, err error) {
	if gen < r.NextGen {
		return nil, nil, domain.ErrReplayDetected
	}
	if gen-r.NextGen > MaxGenerationSkip {
		return nil, nil, domain.ErrGenerationTooFar
	}
	for r.NextGen < gen {
		k, n := r.materials()
		memzero.ZeroAll(k, n)
		r.step()
	}
	key, nonce = r.materials()
	r.step()
	return key, nonce, nil
}

func (r *SenderRatchet) materials() (key, nonce []byte) {
	key = crypto.ExpandWithLabel(r.ChainKey[:], "key", nil, chacha20poly1305.KeySize)
	nonce = crypto.ExpandWithLabel(r.ChainKey[:], "nonce", nil, chacha20poly1305.NonceSize)
	return key, nonce
}

func (r *SenderRatchet) step() {
	next := crypto.DeriveSecret(r.ChainKey[:], "chain")
	memzero.Zero32(&r.ChainKey)
	r.ChainKey = next
	r.NextGen++
}

// Zero wipes the chain key.
func (r *SenderRatchet) Zero() {
	memzero.Zero32(&r.ChainKey)
}
