// Package crypto provides the ciphersuite primitives used across the
// engine: X25519 key agreement, Ed25519 signing, HKDF labeling, sealed
// boxes and hashing.
package crypto

import (
	"crypto/ed25519"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"cloak/internal/domain"
)

const KeyBytes = 32

var errShortRead = errors.New("short read from randomness source")

// GenerateX25519 returns a clamped private key and its public key, drawing
// randomness from rand.
func GenerateX25519(rand io.Reader) (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	if _, err := io.ReadFull(rand, priv[:]); err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, errShortRead
	}
	Clamp(&priv)

	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, err
	}
	return priv, pub, nil
}

// Clamp applies the X25519 scalar clamping bits in place.
func Clamp(priv *domain.X25519Private) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// PublicFromPrivate derives the public key of a clamped private key.
func PublicFromPrivate(priv domain.X25519Private) (domain.X25519Public, error) {
	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return domain.X25519Public{}, err
	}
	var pub domain.X25519Public
	copy(pub[:], pubBytes)
	return pub, nil
}

// DH computes the X25519 shared secret between priv and pub.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	res, err := curve25519.X25519(priv.Slice(), pub.Slice())
	var out [32]byte
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// GenerateEd25519 returns a fresh signing key pair drawn from rand.
func GenerateEd25519(rand io.Reader) (domain.Ed25519Private, domain.Ed25519Public, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, err
	}
	var sp domain.Ed25519Private
	var pp domain.Ed25519Public
	copy(sp[:], priv)
	copy(pp[:], pub)
	return sp, pp, nil
}

// Sign signs msg under a domain-separating label.
func Sign(priv domain.Ed25519Private, label string, msg []byte) []byte {
	return ed25519.Sign(priv.Slice(), signInput(label, msg))
}

// Verify checks a labeled signature.
func Verify(pub domain.Ed25519Public, label string, msg, sig []byte) bool {
	return ed25519.Verify(pub.Slice(), signInput(label, msg), sig)
}

func signInput(label string, msg []byte) []byte {
	in := make([]byte, 0, len(label)+len(msg)+1)
	in = append(in, label...)
	in = append(in, 0)
	in = append(in, msg...)
	return in
}

// Hash returns the BLAKE3-256 digest of b.
func Hash(b []byte) [32]byte {
	return blake3.Sum256(b)
}

// Fingerprint returns a short hex fingerprint of a public key.
func Fingerprint(pub []byte) string {
	sum := blake3.Sum256(pub)
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 20)
	for i := 0; i < 10; i++ {
		out[2*i] = hexdigits[sum[i]>>4]
		out[2*i+1] = hexdigits[sum[i]&0xf]
	}
	return string(out)
}
