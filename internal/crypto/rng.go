package crypto

import (
	cryptorand "crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"

	"cloak/internal/util/memzero"
)

// EntropySeedLen is the expected length of an external entropy seed.
const EntropySeedLen = 32

// DRBG is the process-wide deterministic random bit generator. It mixes OS
// entropy with any caller-supplied seed and generates output from a ChaCha20
// keystream. Reseeding at any time is safe: in-flight reads finished under
// the previous key remain valid, later reads use the remixed key.
type DRBG struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewDRBG builds a generator keyed from OS entropy mixed with seed. A nil
// seed yields a purely OS-seeded generator.
func NewDRBG(seed []byte) (*DRBG, error) {
	var os [32]byte
	if _, err := cryptorand.Read(os[:]); err != nil {
		return nil, err
	}
	d := &DRBG{}
	if err := d.rekey(os[:], seed); err != nil {
		return nil, err
	}
	memzero.Zero32(&os)
	return d, nil
}

// Read fills p with generator output. It never returns a short count
// without an error and is safe for concurrent use.
func (d *DRBG) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	d.stream.XORKeyStream(p, p)
	return len(p), nil
}

// Reseed mixes seed into the generator state. Previously drawn randomness
// is unaffected.
func (d *DRBG) Reseed(seed []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Carry forward 32 bytes of current keystream so a weak seed cannot
	// reset the state.
	carry := make([]byte, 32)
	d.stream.XORKeyStream(carry, carry)
	defer memzero.Zero(carry)
	return d.rekey(carry, seed)
}

func (d *DRBG) rekey(base, seed []byte) error {
	h := blake3.New(32, nil)
	h.Write(base)
	h.Write(seed)
	key := h.Sum(nil)
	defer memzero.Zero(key)

	stream, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return err
	}
	d.stream = stream
	return nil
}
