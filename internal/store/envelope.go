package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"cloak/internal/util/memzero"
)

// The current supported version of the encrypted blob format stored on disk.
const envelopeFormatVersion = 1

const saltBytes = 16

// Returned when the storage key is incorrect or the ciphertext has been
// modified or corrupted.
var errWrongStorageKey = errors.New("wrong storage key or corrupted value")

// envelope is the on-disk JSON structure holding the ciphertext and KDF
// parameters.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	Time   uint32 `json:"argon_t"`
	Memory uint32 `json:"argon_m"`
	Lanes  uint8  `json:"argon_p"`
	Cipher []byte `json:"cipher"`
}

// Tunables for argon2id key derivation.
func argonParamsDefault() (time, memory uint32, lanes uint8) { return 1, 1 << 16, 4 }

// seal derives a key-encryption key from the storage key and seals raw into
// a JSON envelope. The storage key name is bound as associated data so a
// value cannot be replayed under another key.
func seal(storageKey string, name string, raw []byte) ([]byte, error) {
	var salt [saltBytes]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	time, memory, lanes := argonParamsDefault()
	kek := argon2.IDKey([]byte(storageKey), salt[:], time, memory, lanes, chacha20poly1305.KeySize)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	// Zero nonce: the salt-bound key is unique per seal.
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, raw, ad(salt[:], name))

	return json.Marshal(envelope{
		V:      envelopeFormatVersion,
		Salt:   salt[:],
		Time:   time,
		Memory: memory,
		Lanes:  lanes,
		Cipher: ct,
	})
}

// open unseals a JSON envelope produced by seal.
func open(storageKey string, name string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	if env.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	kek := argon2.IDKey([]byte(storageKey), env.Salt, env.Time, env.Memory, env.Lanes, chacha20poly1305.KeySize)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	pt, err := aead.Open(nil, nonce, env.Cipher, ad(env.Salt, name))
	if err != nil {
		return nil, errWrongStorageKey
	}
	return pt, nil
}

func ad(salt []byte, name string) []byte {
	out := make([]byte, 0, len(salt)+len(name))
	out = append(out, salt...)
	out = append(out, name...)
	return out
}
