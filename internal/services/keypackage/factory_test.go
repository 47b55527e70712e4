package keypackage

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"cloak/internal/domain"
	"cloak/internal/services/credential"
	"cloak/internal/store"
)

func newFactory(t *testing.T) (*Factory, *credential.Provider) {
	t.Helper()
	ks := store.NewMemStore()
	creds := credential.New(ks, rand.Reader)
	if _, err := creds.Identity([]byte("alice")); err != nil {
		t.Fatalf("identity: %v", err)
	}
	return NewFactory(ks, creds, rand.Reader), creds
}

func TestIssueTopsUpAndValidates(t *testing.T) {
	f, _ := newFactory(t)

	kps, err := f.Issue(5)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(kps) != 5 {
		t.Fatalf("issued %d, want 5", len(kps))
	}
	n, err := f.ValidCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("valid count %d, want 5", n)
	}

	now := time.Now().Unix()
	for i := range kps {
		if err := f.Validate(&kps[i], now); err != nil {
			t.Fatalf("issued key package invalid: %v", err)
		}
	}

	// Issuing fewer than the stock returns existing packages, no growth.
	if _, err := f.Issue(3); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.ValidCount(); n != 5 {
		t.Fatalf("stock grew to %d", n)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	f, _ := newFactory(t)
	kps, err := f.Issue(1)
	if err != nil {
		t.Fatal(err)
	}
	kp := kps[0]
	now := time.Now().Unix()

	bad := kp
	bad.NotAfter++
	if err := f.Validate(&bad, now); !errors.Is(err, domain.ErrAuthenticationFailure) {
		t.Fatalf("tampered lifetime: %v", err)
	}

	if err := f.Validate(&kp, kp.NotAfter+1); !errors.Is(err, domain.ErrKeyPackageExhausted) {
		t.Fatalf("expired package: %v", err)
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	f, _ := newFactory(t)
	kps, err := f.Issue(2)
	if err != nil {
		t.Fatal(err)
	}
	ref := Ref(&kps[0])

	priv, ok, err := f.Redeem(ref)
	if err != nil || !ok {
		t.Fatalf("redeem: ok=%v err=%v", ok, err)
	}
	var zero domain.X25519Private
	if priv == zero {
		t.Fatal("redeemed zero private key")
	}

	if _, ok, _ := f.Redeem(ref); ok {
		t.Fatal("second redeem of same ref succeeded")
	}
	if n, _ := f.ValidCount(); n != 1 {
		t.Fatalf("valid count after redeem %d, want 1", n)
	}
}

func TestPruneDropsExpired(t *testing.T) {
	f, _ := newFactory(t)
	if _, err := f.Issue(3); err != nil {
		t.Fatal(err)
	}

	// Move the clock past every lifetime.
	f.now = func() time.Time { return time.Now().Add(DefaultLifetime + time.Hour) }
	n, err := f.ValidCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expired packages survive: %d", n)
	}
}
