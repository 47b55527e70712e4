package credential

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/store"
)

func TestIdentityCreateAndReload(t *testing.T) {
	ks := store.NewMemStore()

	p := New(ks, rand.Reader)
	id, err := p.Identity([]byte("alice@example"))
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if !bytes.Equal(id.Credential.ClientID, []byte("alice@example")) {
		t.Fatalf("client id not bound: %q", id.Credential.ClientID)
	}

	// A fresh provider over the same store must load the same identity,
	// ignoring the client id argument.
	p2 := New(ks, rand.Reader)
	id2, err := p2.Identity([]byte("someone-else"))
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if !bytes.Equal(id2.Credential.ClientID, id.Credential.ClientID) {
		t.Fatal("reloaded identity has different client id")
	}
	if id2.Credential.SignKey != id.Credential.SignKey {
		t.Fatal("reloaded identity has different signing key")
	}
}

func TestSignVerifies(t *testing.T) {
	p := New(store.NewMemStore(), rand.Reader)
	if _, err := p.Sign("Label", []byte("msg")); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("sign before identity: %v", err)
	}

	id, err := p.Identity([]byte("bob"))
	if err != nil {
		t.Fatal(err)
	}
	sig, err := p.Sign("CommitTBS", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.Verify(id.Credential.SignKey, "CommitTBS", []byte("payload"), sig) {
		t.Fatal("signature does not verify")
	}
	if crypto.Verify(id.Credential.SignKey, "ProposalTBS", []byte("payload"), sig) {
		t.Fatal("signature verified under wrong label")
	}
}

func TestValidateCredential(t *testing.T) {
	p := New(store.NewMemStore(), rand.Reader)
	id, err := p.Identity([]byte("carol"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ValidateCredential(id.Credential); err != nil {
		t.Fatalf("own credential rejected: %v", err)
	}
	if err := p.ValidateCredential(domain.Credential{SignKey: id.Credential.SignKey}); !errors.Is(err, domain.ErrMalformedIdentifier) {
		t.Fatalf("empty client id: %v", err)
	}
	if err := p.ValidateCredential(domain.Credential{ClientID: []byte("x")}); !errors.Is(err, domain.ErrAuthenticationFailure) {
		t.Fatalf("zero signing key: %v", err)
	}
}

func TestEmptyClientIDRejected(t *testing.T) {
	p := New(store.NewMemStore(), rand.Reader)
	if _, err := p.Identity(nil); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("empty client id accepted: %v", err)
	}
}
