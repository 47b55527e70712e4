// Package keypackage issues, prunes and redeems the single-use key packages
// a client publishes so peers can add it to conversations.
package keypackage

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/util/memzero"
)

const (
	storePrefix = "kp/"

	// SignLabel separates key package signatures from every other artifact.
	SignLabel = "KeyPackageTBS"
)

// DefaultLifetime bounds how long an issued key package stays redeemable.
const DefaultLifetime = 90 * 24 * time.Hour

// Ref is the stable identifier of a key package: the hash of its wire form.
func Ref(kp *domain.KeyPackage) domain.KeyPackageRef {
	return domain.KeyPackageRef(crypto.Hash(kp.Encode()))
}

// Factory mints key packages for the local identity and retains their init
// private keys until they are redeemed by an incoming welcome.
type Factory struct {
	store    domain.KeyStore
	creds    domain.CredentialProvider
	rand     io.Reader
	lifetime time.Duration
	now      func() time.Time

	mu sync.Mutex
}

func NewFactory(store domain.KeyStore, creds domain.CredentialProvider, rand io.Reader) *Factory {
	return &Factory{
		store:    store,
		creds:    creds,
		rand:     rand,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
}

// record is the stored form of one issued key package: its wire encoding
// plus the init private key needed to open welcomes addressed to it.
type record struct {
	ref      domain.KeyPackageRef
	initPriv domain.X25519Private
	notAfter int64
	wire     []byte
}

func encodeRecord(rec *record) []byte {
	w := codec.NewWriter()
	w.Raw(rec.ref[:])
	w.Raw(rec.initPriv[:])
	w.U64(uint64(rec.notAfter))
	w.Opaque32(rec.wire)
	return w.Bytes()
}

func decodeRecord(b []byte) (*record, error) {
	r := codec.NewReader(b)
	var rec record
	rec.ref = domain.KeyPackageRef(r.Raw32())
	rec.initPriv = domain.X25519Private(r.Raw32())
	rec.notAfter = int64(r.U64())
	rec.wire = r.Opaque32()
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Issue returns n valid key packages, minting replacements for any that are
// missing or expired. Expired entries are pruned as a side effect.
func (f *Factory) Issue(n int) ([]domain.KeyPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.prune()
	if err != nil {
		return nil, err
	}
	for len(recs) < n {
		rec, err := f.mint()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	out := make([]domain.KeyPackage, 0, n)
	for _, rec := range recs[:n] {
		kp, err := domain.DecodeKeyPackage(rec.wire)
		if err != nil {
			return nil, fmt.Errorf("stored key package corrupt: %w", err)
		}
		out = append(out, *kp)
	}
	return out, nil
}

// ValidCount reports how many unconsumed, unexpired key packages remain.
func (f *Factory) ValidCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.prune()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Validate checks a peer key package's signature and lifetime window.
func (f *Factory) Validate(kp *domain.KeyPackage, now int64) error {
	if err := f.creds.ValidateCredential(kp.Credential); err != nil {
		return err
	}
	if !crypto.Verify(kp.Credential.SignKey, SignLabel, kp.TBS(), kp.Signature) {
		return fmt.Errorf("%w: key package signature", domain.ErrAuthenticationFailure)
	}
	if now < kp.NotBefore || now > kp.NotAfter {
		return fmt.Errorf("%w: key package outside lifetime", domain.ErrKeyPackageExhausted)
	}
	return nil
}

// Redeem consumes the private init key matching ref. The stored record is
// deleted so the key package cannot open a second welcome.
func (f *Factory) Redeem(ref domain.KeyPackageRef) (domain.X25519Private, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys, err := f.store.List(storePrefix)
	if err != nil {
		return domain.X25519Private{}, false, err
	}
	for _, key := range keys {
		raw, ok, err := f.store.Get(key)
		if err != nil || !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		memzero.Zero(raw)
		if err != nil {
			continue
		}
		if rec.ref != ref {
			memzero.Zero32((*[32]byte)(&rec.initPriv))
			continue
		}
		if err := f.store.Delete(key); err != nil {
			return domain.X25519Private{}, false, err
		}
		return rec.initPriv, true, nil
	}
	return domain.X25519Private{}, false, nil
}

// mint generates, signs and persists one fresh key package.
func (f *Factory) mint() (*record, error) {
	id, err := f.creds.Identity(nil)
	if err != nil {
		return nil, err
	}
	initPriv, initPub, err := crypto.GenerateX25519(f.rand)
	if err != nil {
		return nil, err
	}
	now := f.now()
	kp := &domain.KeyPackage{
		InitKey:    initPub,
		Credential: id.Credential,
		NotBefore:  now.Unix(),
		NotAfter:   now.Add(f.lifetime).Unix(),
	}
	sig, err := f.creds.Sign(SignLabel, kp.TBS())
	if err != nil {
		return nil, err
	}
	kp.Signature = sig

	rec := &record{
		ref:      Ref(kp),
		initPriv: initPriv,
		notAfter: kp.NotAfter,
		wire:     kp.Encode(),
	}
	key := storePrefix + uuid.NewString()
	if err := f.store.Put(key, encodeRecord(rec)); err != nil {
		return nil, err
	}
	return rec, nil
}

// prune deletes expired records and returns the survivors.
func (f *Factory) prune() ([]*record, error) {
	keys, err := f.store.List(storePrefix)
	if err != nil {
		return nil, err
	}
	cutoff := f.now().Unix()
	var live []*record
	for _, key := range keys {
		raw, ok, err := f.store.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil || rec.notAfter < cutoff {
			_ = f.store.Delete(key)
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

var _ domain.KeyPackageFactory = (*Factory)(nil)
