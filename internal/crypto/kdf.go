package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"cloak/internal/codec"
)

// Extract is HKDF-Extract with SHA-256.
func Extract(salt, ikm []byte) [32]byte {
	h := hmac.New(sha256.New, salt)
	h.Write(ikm)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ExpandWithLabel is HKDF-Expand over a labeled, context-bound info block,
// following the TLS/MLS labeling convention.
func ExpandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	w := codec.NewWriter()
	w.U16(uint16(length))
	w.Opaque8([]byte("cloak10 " + label))
	w.Opaque32(context)

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, w.Bytes())
	if _, err := io.ReadFull(r, out); err != nil {
		// Expand only fails when length exceeds 255*HashLen; all callers
		// request fixed small sizes.
		panic("crypto: hkdf expand: " + err.Error())
	}
	return out
}

// DeriveSecret is ExpandWithLabel with an empty context and hash-size output.
func DeriveSecret(secret []byte, label string) [32]byte {
	var out [32]byte
	copy(out[:], ExpandWithLabel(secret, label, nil, 32))
	return out
}

// MAC computes HMAC-SHA256 over msg.
func MAC(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// MACEqual compares two MACs in constant time.
func MACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
