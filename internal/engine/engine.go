// Package engine implements the conversation state machine: epoch
// transitions driven by proposals and commits, per-epoch secret derivation,
// and authenticated group message encryption.
package engine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/protocol/schedule"
	"cloak/internal/protocol/tree"
	"cloak/internal/util/memzero"
)

// Signature domain-separation labels, one per signed artifact.
const (
	sigLabelProposal  = "ProposalTBS"
	sigLabelCommit    = "CommitTBS"
	sigLabelGroupInfo = "GroupInfoTBS"
)

// Storage key prefixes. One snapshot per conversation, rewritten whole on
// every confirmed transition.
const (
	keyPrefixConv       = "conv/"
	keyPrefixPending    = "pending/"
	keyPrefixExtPending = "extpending/"
)

// Reseeder is implemented by randomness sources that accept external
// entropy at runtime.
type Reseeder interface {
	Reseed(seed []byte) error
}

// Params carries the engine's collaborators.
type Params struct {
	Store       domain.KeyStore
	Credentials domain.CredentialProvider
	KeyPackages domain.KeyPackageFactory
	Proposals   domain.ProposalStore
	Rand        io.Reader
	Log         slog.Logger
}

// Engine owns every local conversation. Operations against one conversation
// are serialized on its lock; distinct conversations proceed in parallel.
type Engine struct {
	store domain.KeyStore
	creds domain.CredentialProvider
	kps   domain.KeyPackageFactory
	props domain.ProposalStore
	rand  io.Reader
	log   slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	convs  map[string]*conversation
	extern map[string]*conversation // external joins pending merge
	closed bool
}

// New builds an engine over its collaborators and loads any persisted
// conversations.
func New(p Params) (*Engine, error) {
	if p.Store == nil || p.Credentials == nil || p.KeyPackages == nil || p.Proposals == nil || p.Rand == nil {
		return nil, errors.New("engine: missing collaborator")
	}
	log := p.Log
	if log == nil {
		log = slog.Disabled
	}
	e := &Engine{
		store:  p.Store,
		creds:  p.Credentials,
		kps:    p.KeyPackages,
		props:  p.Proposals,
		rand:   p.Rand,
		log:    log,
		now:    time.Now,
		convs:  make(map[string]*conversation),
		extern: make(map[string]*conversation),
	}
	if err := e.RestoreFromDisk(); err != nil {
		return nil, err
	}
	return e, nil
}

func convKey(id []byte) string { return keyPrefixConv + hex.EncodeToString(id) }

func pendingKey(id []byte) string { return keyPrefixPending + hex.EncodeToString(id) }

func extPendingKey(id []byte) string { return keyPrefixExtPending + hex.EncodeToString(id) }

func (e *Engine) lookup(id []byte) (*conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrNotInitialized
	}
	c, ok := e.convs[string(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %x", domain.ErrUnknownConversation, id)
	}
	return c, nil
}

// persist writes the conversation snapshot. Called with c.mu held, before
// the in-memory transition is acknowledged to the caller.
func (e *Engine) persist(c *conversation) error {
	return e.store.Put(convKey(c.id), c.encode())
}

// CreateConversation initializes a single-member conversation at epoch 0
// with secrets drawn from fresh randomness.
func (e *Engine) CreateConversation(id []byte, cfg domain.ConversationConfig) error {
	if len(id) == 0 {
		return fmt.Errorf("%w: empty conversation id", domain.ErrMalformedIdentifier)
	}
	identity, err := e.creds.Identity(nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if _, ok := e.convs[string(id)]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %x", domain.ErrAlreadyExists, id)
	}
	e.mu.Unlock()

	leafPriv, leafPub, err := crypto.GenerateX25519(e.rand)
	if err != nil {
		return err
	}
	t := tree.New(domain.LeafInfo{InitKey: leafPub, Credential: identity.Credential})

	// Epoch 0 secrets come from fresh entropy: there is no previous epoch.
	var seed [2][32]byte
	if _, err := io.ReadFull(e.rand, seed[0][:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(e.rand, seed[1][:]); err != nil {
		return err
	}
	var transcript [32]byte
	ctx := schedule.Context(id, 0, t.Hash(), transcript)
	secrets := schedule.Derive(0, seed[0], seed[1], ctx)
	memzero.Zero32(&seed[0])
	memzero.Zero32(&seed[1])

	c := &conversation{
		id:         append([]byte(nil), id...),
		cfg:        cfg,
		epoch:      0,
		tree:       t,
		secrets:    secrets,
		transcript: transcript,
		myLeaf:     0,
		leafPriv:   leafPriv,
		sendChain:  schedule.NewSenderRatchet(secrets.Encryption, 0),
		recvChains: make(map[uint32]*schedule.SenderRatchet),
	}
	// Re-check, persist, and register under one lock: a concurrent create
	// of the same id must not leave a snapshot on disk that differs from
	// the conversation the engine registered.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		secrets.Zero()
		return domain.ErrNotInitialized
	}
	if _, ok := e.convs[string(id)]; ok {
		secrets.Zero()
		return fmt.Errorf("%w: %x", domain.ErrAlreadyExists, id)
	}
	if err := e.persist(c); err != nil {
		return err
	}
	e.convs[string(id)] = c
	e.log.Infof("created conversation %s at epoch 0", shortID(id))
	return nil
}

// ConversationExists reports whether the engine knows id.
func (e *Engine) ConversationExists(id []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.convs[string(id)]
	return ok
}

// ConversationEpoch returns the current confirmed epoch.
func (e *Engine) ConversationEpoch(id []byte) (uint64, error) {
	c, err := e.lookup(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, nil
}

// ConversationMembers lists the live members' credentials.
func (e *Engine) ConversationMembers(id []byte) ([]domain.Credential, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Members(), nil
}

// maxExportLen is the largest output one HKDF-SHA256 expansion can produce.
const maxExportLen = 255 * 32

// ExportSecret derives application key material from the current epoch's
// exporter secret.
func (e *Engine) ExportSecret(id []byte, label string, n int) ([]byte, error) {
	if n <= 0 || n > maxExportLen {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrInvalidExportLength, n)
	}
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	ctx := schedule.Context(c.id, c.epoch, c.tree.Hash(), c.transcript)
	return c.secrets.Export(label, ctx, n), nil
}

// RestoreFromDisk reloads all conversations from the key store, replacing
// the in-memory set. Used after another process instance advanced state.
func (e *Engine) RestoreFromDisk() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrNotInitialized
	}

	keys, err := e.store.List(keyPrefixConv)
	if err != nil {
		return err
	}
	convs := make(map[string]*conversation, len(keys))
	for _, key := range keys {
		raw, ok, err := e.store.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c, err := decodeConversation(raw)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", key, err)
		}
		if praw, ok, err := e.store.Get(pendingKey(c.id)); err != nil {
			return err
		} else if ok {
			p, err := decodePendingCommit(praw)
			if err != nil {
				return fmt.Errorf("pending snapshot %x: %w", c.id, err)
			}
			c.pending = p
		}
		convs[string(c.id)] = c
	}

	extKeys, err := e.store.List(keyPrefixExtPending)
	if err != nil {
		return err
	}
	extern := make(map[string]*conversation, len(extKeys))
	for _, key := range extKeys {
		raw, ok, err := e.store.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c, err := decodeConversation(raw)
		if err != nil {
			return fmt.Errorf("external pending snapshot %s: %w", key, err)
		}
		extern[string(c.id)] = c
	}

	for _, old := range e.convs {
		old.mu.Lock()
		old.zero()
		old.mu.Unlock()
	}
	e.convs = convs
	e.extern = extern
	e.log.Debugf("restored %d conversations, %d pending external joins", len(convs), len(extern))
	return nil
}

// Wipe destroys all persisted and in-memory state.
func (e *Engine) Wipe() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.convs {
		c.mu.Lock()
		c.zero()
		c.mu.Unlock()
	}
	for _, c := range e.extern {
		c.mu.Lock()
		c.zero()
		c.mu.Unlock()
	}
	e.convs = make(map[string]*conversation)
	e.extern = make(map[string]*conversation)
	if err := e.store.Wipe(); err != nil {
		return err
	}
	e.log.Warnf("wiped all engine state")
	return nil
}

// Close zeroizes in-memory secrets and refuses further operations.
// Persisted state is untouched.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	for _, c := range e.convs {
		c.mu.Lock()
		c.zero()
		c.mu.Unlock()
	}
	for _, c := range e.extern {
		c.mu.Lock()
		c.zero()
		c.mu.Unlock()
	}
	e.closed = true
	return nil
}

// RandomBytes exposes the engine's randomness source.
func (e *Engine) RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(e.rand, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReseedRNG mixes caller entropy into the randomness source when it
// supports reseeding; otherwise it is a no-op.
func (e *Engine) ReseedRNG(seed []byte) error {
	if r, ok := e.rand.(Reseeder); ok {
		return r.Reseed(seed)
	}
	return nil
}

// ClientPublicKey returns the local identity's signing public key.
func (e *Engine) ClientPublicKey() ([]byte, error) {
	pub, err := e.creds.PublicKey()
	if err != nil {
		return nil, err
	}
	return pub.Slice(), nil
}

// ClientKeyPackages returns n valid key packages in wire form, minting as
// needed.
func (e *Engine) ClientKeyPackages(n int) ([][]byte, error) {
	kps, err := e.kps.Issue(n)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(kps))
	for i := range kps {
		out[i] = kps[i].Encode()
	}
	return out, nil
}

// ClientValidKeyPackagesCount reports remaining unconsumed key packages.
func (e *Engine) ClientValidKeyPackagesCount() (int, error) {
	return e.kps.ValidCount()
}

// poison marks the conversation fatal after a tree invariant violation and
// never clears it.
func (e *Engine) poison(c *conversation, err error) error {
	if errors.Is(err, domain.ErrTreeInvariant) {
		c.poisoned = true
		e.log.Errorf("conversation %s poisoned: %v", shortID(c.id), err)
	}
	return err
}

// shortID renders a conversation id for logs.
func shortID(id []byte) string {
	s := hex.EncodeToString(id)
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return strings.ToLower(s)
}
