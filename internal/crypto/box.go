package crypto

import (
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"cloak/internal/domain"
	"cloak/internal/util/memzero"
)

// Seal encrypts plaintext to the holder of recipient's private key using a
// fresh ephemeral X25519 key pair and ChaCha20-Poly1305. The zero nonce is
// safe: the key is unique per ephemeral pair.
func Seal(rand io.Reader, recipient domain.X25519Public, context, plaintext []byte) (domain.SealedBox, error) {
	ephPriv, ephPub, err := GenerateX25519(rand)
	if err != nil {
		return domain.SealedBox{}, err
	}
	key, err := boxKey(ephPriv, recipient, ephPub, recipient, context)
	if err != nil {
		return domain.SealedBox{}, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.SealedBox{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, plaintext, context)
	memzero.Zero32((*[32]byte)(&ephPriv))

	return domain.SealedBox{EphemeralKey: ephPub, Ciphertext: ct}, nil
}

// Open decrypts a sealed box with the recipient's private key.
func Open(priv domain.X25519Private, box domain.SealedBox, context []byte) ([]byte, error) {
	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	key, err := boxKey(priv, box.EphemeralKey, box.EphemeralKey, pub, context)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Open(nil, nonce, box.Ciphertext, context)
}

// boxKey binds the AEAD key to both public keys and the caller's context.
func boxKey(priv domain.X25519Private, peer domain.X25519Public, ephPub, rcptPub domain.X25519Public, context []byte) ([]byte, error) {
	dh, err := DH(priv, peer)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&dh)

	kemContext := make([]byte, 0, 64+len(context))
	kemContext = append(kemContext, ephPub[:]...)
	kemContext = append(kemContext, rcptPub[:]...)
	kemContext = append(kemContext, context...)
	return ExpandWithLabel(dh[:], "sealed box", kemContext, KeyBytes), nil
}
