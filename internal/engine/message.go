package engine

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/protocol/schedule"
	"cloak/internal/util/memzero"
)

// EncryptMessage seals plaintext under the current epoch's sender chain,
// consuming one generation. The generation counter is persisted so it is
// never reused across restarts.
func (e *Engine) EncryptMessage(id []byte, plaintext []byte) ([]byte, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	key, nonce, gen := c.sendChain.Next()
	defer memzero.ZeroAll(key, nonce)

	m := &domain.MessagePayload{
		ConversationID: c.id,
		Epoch:          c.epoch,
		SenderLeaf:     c.myLeaf,
		Generation:     gen,
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	header := m.Header()
	m.Ciphertext = aead.Seal(nil, nonce, plaintext, header)
	m.MembershipTag = crypto.MAC(c.secrets.Membership[:], append(header, m.Ciphertext...))

	// Persist before returning the payload: a crash must not replay a
	// generation.
	if err := e.persist(c); err != nil {
		return nil, err
	}
	return m.Encode(), nil
}

// DecryptMessage authenticates and opens a payload, advancing the sender's
// receive chain. Payloads from unretained epochs fail with ErrEpochExpired;
// a consumed generation fails with ErrReplayDetected.
func (e *Engine) DecryptMessage(id []byte, raw []byte) ([]byte, error) {
	m, err := domain.DecodeMessagePayload(raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(m.ConversationID, id) {
		return nil, fmt.Errorf("%w: payload conversation mismatch", domain.ErrMalformedIdentifier)
	}
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	secrets, chains, err := c.epochState(m.Epoch)
	if err != nil {
		return nil, err
	}

	header := m.Header()
	tag := crypto.MAC(secrets.Membership[:], append(header, m.Ciphertext...))
	if !crypto.MACEqual(tag, m.MembershipTag) {
		return nil, fmt.Errorf("%w: membership tag", domain.ErrAuthenticationFailure)
	}

	chain, ok := chains[m.SenderLeaf]
	if !ok {
		chain = schedule.NewSenderRatchet(secrets.Encryption, m.SenderLeaf)
		chains[m.SenderLeaf] = chain
	}
	key, nonce, err := chain.KeyFor(m.Generation)
	if err != nil {
		return nil, err
	}
	defer memzero.ZeroAll(key, nonce)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, m.Ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("%w: payload does not open", domain.ErrAuthenticationFailure)
	}

	// Persist the advanced watermark so a replay survives a restart.
	if err := e.persist(c); err != nil {
		memzero.Zero(plaintext)
		return nil, err
	}
	return plaintext, nil
}
