// Package schedule derives the per-epoch secret tree. Every epoch's secrets
// descend from the previous epoch's init secret and the commit secret via
// one-way key derivation, so secrets from epoch N are irrecoverable from
// epoch N+1.
package schedule

import (
	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/util/memzero"
)

// Secrets is one epoch's full secret set.
type Secrets struct {
	Epoch        uint64
	Init         [32]byte
	SenderData   [32]byte
	Encryption   [32]byte
	Exporter     [32]byte
	Confirmation [32]byte
	Membership   [32]byte
	External     [32]byte
}

// Context serializes the group context binding a derivation to one exact
// group state.
func Context(conversationID []byte, epoch uint64, treeHash, transcriptHash [32]byte) []byte {
	w := codec.NewWriter()
	w.Opaque16(conversationID)
	w.U64(epoch)
	w.Raw(treeHash[:])
	w.Raw(transcriptHash[:])
	return w.Bytes()
}

// JoinerSecret combines the previous init secret with the commit secret.
// It is what welcomes seal to new members.
func JoinerSecret(prevInit, commitSecret [32]byte) [32]byte {
	return crypto.Extract(prevInit[:], commitSecret[:])
}

// Derive computes epoch secrets from the previous init secret and a commit
// secret, bound to the post-commit group context.
func Derive(epoch uint64, prevInit, commitSecret [32]byte, context []byte) *Secrets {
	joiner := JoinerSecret(prevInit, commitSecret)
	defer memzero.Zero32(&joiner)
	return FromJoiner(epoch, joiner, context)
}

// FromJoiner computes epoch secrets directly from a joiner secret, the path
// taken by welcomed members.
func FromJoiner(epoch uint64, joiner [32]byte, context []byte) *Secrets {
	var epochSecret [32]byte
	copy(epochSecret[:], crypto.ExpandWithLabel(joiner[:], "epoch", context, 32))
	defer memzero.Zero32(&epochSecret)

	s := &Secrets{Epoch: epoch}
	s.SenderData = crypto.DeriveSecret(epochSecret[:], "sender data")
	s.Encryption = crypto.DeriveSecret(epochSecret[:], "encryption")
	s.Exporter = crypto.DeriveSecret(epochSecret[:], "exporter")
	s.Confirmation = crypto.DeriveSecret(epochSecret[:], "confirm")
	s.Membership = crypto.DeriveSecret(epochSecret[:], "membership")
	s.External = crypto.DeriveSecret(epochSecret[:], "external")
	s.Init = crypto.DeriveSecret(epochSecret[:], "init")
	return s
}

// ExternalKeypair returns the epoch's external join key pair. Members hold
// the private half; external joiners KEM against the public half.
func (s *Secrets) ExternalKeypair() (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	copy(priv[:], s.External[:])
	crypto.Clamp(&priv)
	pub, err := crypto.PublicFromPrivate(priv)
	if err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, err
	}
	return priv, pub, nil
}

// ConfirmationTag authenticates a transcript hash under the epoch's
// confirmation key.
func (s *Secrets) ConfirmationTag(transcriptHash [32]byte) []byte {
	return crypto.MAC(s.Confirmation[:], transcriptHash[:])
}

// Export derives application secrets from the exporter secret.
func (s *Secrets) Export(label string, context []byte, n int) []byte {
	base := crypto.DeriveSecret(s.Exporter[:], "exported")
	defer memzero.Zero32(&base)
	return crypto.ExpandWithLabel(base[:], label, context, n)
}

// Zero wipes all secret material.
func (s *Secrets) Zero() {
	memzero.Zero32(&s.Init)
	memzero.Zero32(&s.SenderData)
	memzero.Zero32(&s.Encryption)
	memzero.Zero32(&s.Exporter)
	memzero.Zero32(&s.Confirmation)
	memzero.Zero32(&s.Membership)
	memzero.Zero32(&s.External)
}
