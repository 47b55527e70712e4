// Package credential owns the client's long-term signing identity and the
// credentials derived from it.
package credential

import (
	"fmt"
	"io"
	"sync"

	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
)

const identityStoreKey = "identity"

// Maximum client id length accepted on any inbound credential.
const maxClientIDLen = 255

// Provider loads or creates the client identity from the key store and
// signs artifacts under it.
type Provider struct {
	store domain.KeyStore
	rand  io.Reader

	mu sync.Mutex
	id *domain.ClientIdentity
}

func New(store domain.KeyStore, rand io.Reader) *Provider {
	return &Provider{store: store, rand: rand}
}

// Identity returns the stored identity, creating and persisting a fresh one
// bound to clientID when none exists.
func (p *Provider) Identity(clientID []byte) (domain.ClientIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(); err != nil {
		return domain.ClientIdentity{}, err
	}
	if p.id != nil {
		return *p.id, nil
	}

	if len(clientID) == 0 {
		return domain.ClientIdentity{}, domain.ErrNotInitialized
	}
	if len(clientID) > maxClientIDLen {
		return domain.ClientIdentity{}, fmt.Errorf("%w: client id length %d", domain.ErrMalformedIdentifier, len(clientID))
	}
	signPriv, signPub, err := crypto.GenerateEd25519(p.rand)
	if err != nil {
		return domain.ClientIdentity{}, err
	}
	id := &domain.ClientIdentity{
		Credential: domain.Credential{
			ClientID: append([]byte(nil), clientID...),
			SignKey:  signPub,
		},
		SignPriv: signPriv,
	}
	if err := p.store.Put(identityStoreKey, encodeIdentity(id)); err != nil {
		return domain.ClientIdentity{}, err
	}
	p.id = id
	return *id, nil
}

// load pulls a persisted identity into memory. It leaves p.id nil when the
// store holds none. Caller holds p.mu.
func (p *Provider) load() error {
	if p.id != nil {
		return nil
	}
	raw, ok, err := p.store.Get(identityStoreKey)
	if err != nil || !ok {
		return err
	}
	id, err := decodeIdentity(raw)
	if err != nil {
		return err
	}
	p.id = id
	return nil
}

// Sign signs msg under the client's key. The identity must exist.
func (p *Provider) Sign(label string, msg []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return nil, err
	}
	if p.id == nil {
		return nil, domain.ErrNotInitialized
	}
	return crypto.Sign(p.id.SignPriv, label, msg), nil
}

// PublicKey returns the long-term signing public key.
func (p *Provider) PublicKey() (domain.Ed25519Public, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.load(); err != nil {
		return domain.Ed25519Public{}, err
	}
	if p.id == nil {
		return domain.Ed25519Public{}, domain.ErrNotInitialized
	}
	return p.id.Credential.SignKey, nil
}

// ValidateCredential checks structural validity of a peer credential.
func (p *Provider) ValidateCredential(c domain.Credential) error {
	if len(c.ClientID) == 0 || len(c.ClientID) > maxClientIDLen {
		return fmt.Errorf("%w: client id length %d", domain.ErrMalformedIdentifier, len(c.ClientID))
	}
	var zero domain.Ed25519Public
	if c.SignKey == zero {
		return fmt.Errorf("%w: zero signing key", domain.ErrAuthenticationFailure)
	}
	return nil
}

func encodeIdentity(id *domain.ClientIdentity) []byte {
	w := codec.NewWriter()
	w.Opaque16(id.Credential.ClientID)
	w.Raw(id.Credential.SignKey[:])
	w.Raw(id.SignPriv[:])
	return w.Bytes()
}

func decodeIdentity(b []byte) (*domain.ClientIdentity, error) {
	r := codec.NewReader(b)
	var id domain.ClientIdentity
	id.Credential.ClientID = r.Opaque16()
	id.Credential.SignKey = domain.Ed25519Public(r.Raw32())
	priv := r.Raw(64)
	if err := r.Finish(); err != nil {
		return nil, err
	}
	copy(id.SignPriv[:], priv)
	return &id, nil
}

var _ domain.CredentialProvider = (*Provider)(nil)
