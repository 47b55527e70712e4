// Package store provides KeyStore implementations: a durable
// encrypted-at-rest file store and an in-memory store for tests and
// ephemeral clients.
package store

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"

	"cloak/internal/domain"
)

// FileStore keeps one encrypted file per key under a root directory. Every
// value is sealed with a key derived from the storage key; updates are
// atomic per key (temp file then rename).
type FileStore struct {
	dir        string
	storageKey string
	log        slog.Logger
	mu         sync.Mutex
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir, storageKey string, log slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Disabled
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, storageKey: storageKey, log: log}, nil
}

// path maps a key to its file: hex keeps arbitrary key bytes filesystem-safe
// and reversible for List.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".enc")
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := open(s.storageKey, key, blob)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := seal(s.storageKey, key, value)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(key), blob, 0o600)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".enc")
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			s.log.Warnf("skipping foreign file %q in store dir", e.Name())
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Wipe removes every stored value.
func (s *FileStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".enc") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	s.log.Infof("store wiped at %s", s.dir)
	return nil
}

// writeFileAtomic writes bytes via a temp file, then atomically replaces
// the target.
func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Compile-time assertion that FileStore implements domain.KeyStore.
var _ domain.KeyStore = (*FileStore)(nil)
