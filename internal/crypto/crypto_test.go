package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"cloak/internal/domain"
)

func TestDHAgreement(t *testing.T) {
	aPriv, aPub, err := GenerateX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bPriv, bPub, err := GenerateX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	ab, err := DH(aPriv, bPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	ba, err := DH(bPriv, aPub)
	if err != nil {
		t.Fatalf("DH: %v", err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestSealedBoxRoundTrip(t *testing.T) {
	priv, pub, err := GenerateX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	ctxt := []byte("test context")
	box, err := Seal(rand.Reader, pub, ctxt, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(priv, box, ctxt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("got %q", pt)
	}

	// Wrong context must fail authentication.
	if _, err := Open(priv, box, []byte("other")); err == nil {
		t.Fatal("Open succeeded with wrong context")
	}
	// Wrong key must fail.
	other, _, _ := GenerateX25519(rand.Reader)
	if _, err := Open(other, box, ctxt); err == nil {
		t.Fatal("Open succeeded with wrong key")
	}
}

func TestExpandWithLabelDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, 32)
	a := ExpandWithLabel(secret, "epoch", []byte("ctx"), 32)
	b := ExpandWithLabel(secret, "epoch", []byte("ctx"), 32)
	if !bytes.Equal(a, b) {
		t.Fatal("same inputs, different output")
	}
	c := ExpandWithLabel(secret, "exporter", []byte("ctx"), 32)
	if bytes.Equal(a, c) {
		t.Fatal("different labels, same output")
	}
	d := ExpandWithLabel(secret, "epoch", []byte("other"), 32)
	if bytes.Equal(a, d) {
		t.Fatal("different contexts, same output")
	}
}

func TestSignVerifyLabels(t *testing.T) {
	priv, pub, err := GenerateEd25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	msg := []byte("artifact")
	sig := Sign(priv, "KeyPackageTBS", msg)
	if !Verify(pub, "KeyPackageTBS", msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(pub, "CommitTBS", msg, sig) {
		t.Fatal("signature valid under wrong label")
	}
}

func TestDRBGStreamAdvancesAndReseeds(t *testing.T) {
	d, err := NewDRBG([]byte("seed"))
	if err != nil {
		t.Fatalf("NewDRBG: %v", err)
	}
	a := make([]byte, 64)
	b := make([]byte, 64)
	if _, err := d.Read(a); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := d.Read(b); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("consecutive reads identical")
	}
	if err := d.Reseed([]byte("more")); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	c := make([]byte, 64)
	if _, err := d.Read(c); err != nil {
		t.Fatalf("Read after reseed: %v", err)
	}
	if bytes.Equal(b, c) {
		t.Fatal("reseed did not change the stream")
	}
}

func TestGenerateFromDRBGClamped(t *testing.T) {
	d, err := NewDRBG(nil)
	if err != nil {
		t.Fatalf("NewDRBG: %v", err)
	}
	priv, _, err := GenerateX25519(d)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	var zero domain.X25519Private
	if priv == zero {
		t.Fatal("zero private key")
	}
	if priv[0]&7 != 0 || priv[31]&128 != 0 || priv[31]&64 == 0 {
		t.Fatal("private key not clamped")
	}
}
