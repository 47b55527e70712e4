package engine

import (
	"fmt"
	"sync"

	"cloak/internal/codec"
	"cloak/internal/domain"
	"cloak/internal/protocol/schedule"
	"cloak/internal/protocol/tree"
	"cloak/internal/util/memzero"
)

// pastEpoch retains a superseded epoch's decryption state while the
// retention window allows.
type pastEpoch struct {
	epoch      uint64
	secrets    *schedule.Secrets
	recvChains map[uint32]*schedule.SenderRatchet
}

// pendingCommit is the locally produced but unconfirmed next-epoch state.
// It becomes the live state on CommitAccepted and is discarded on
// ClearPendingCommit or when a remote commit wins the epoch.
type pendingCommit struct {
	epoch      uint64
	tree       *tree.Tree
	secrets    *schedule.Secrets
	transcript [32]byte
	leafPriv   domain.X25519Private

	commitWire    []byte
	welcomeWire   []byte
	groupInfoWire []byte
}

// conversation is the engine's per-group state machine. All fields are
// guarded by mu; operations against one conversation are serialized.
type conversation struct {
	mu sync.Mutex

	id  []byte
	cfg domain.ConversationConfig

	epoch      uint64
	tree       *tree.Tree
	secrets    *schedule.Secrets
	transcript [32]byte

	myLeaf   uint32
	leafPriv domain.X25519Private

	// updatePriv holds the private half of an in-flight update proposal so
	// the sealed path secret of the commit that folds it stays openable.
	updatePriv *domain.X25519Private

	sendChain  *schedule.SenderRatchet
	recvChains map[uint32]*schedule.SenderRatchet

	pastEpochs []*pastEpoch

	pending *pendingCommit

	// lastPromoted is the highest epoch CommitAccepted promoted; it makes a
	// second confirmation of the same epoch a no-op instead of an error.
	lastPromoted uint64

	// poisoned marks a conversation that hit a tree invariant violation.
	// Every further operation on it fails.
	poisoned bool
}

func (c *conversation) check() error {
	if c.poisoned {
		return fmt.Errorf("%w: conversation refuses further operations", domain.ErrTreeInvariant)
	}
	return nil
}

// advance installs a confirmed next-epoch state, rotating the current epoch
// into the retention window (or zeroizing it when retention is off).
func (c *conversation) advance(epoch uint64, t *tree.Tree, s *schedule.Secrets, transcript [32]byte, leafPriv domain.X25519Private, myLeaf uint32) {
	if c.cfg.MaxPastEpochs > 0 && c.secrets != nil {
		c.pastEpochs = append(c.pastEpochs, &pastEpoch{
			epoch:      c.epoch,
			secrets:    c.secrets,
			recvChains: c.recvChains,
		})
		for len(c.pastEpochs) > c.cfg.MaxPastEpochs {
			old := c.pastEpochs[0]
			old.secrets.Zero()
			for _, r := range old.recvChains {
				r.Zero()
			}
			c.pastEpochs = c.pastEpochs[1:]
		}
	} else if c.secrets != nil {
		c.secrets.Zero()
		for _, r := range c.recvChains {
			r.Zero()
		}
	}
	if c.sendChain != nil {
		c.sendChain.Zero()
	}

	c.epoch = epoch
	c.tree = t
	c.secrets = s
	c.transcript = transcript
	c.myLeaf = myLeaf
	c.leafPriv = leafPriv
	c.updatePriv = nil
	c.sendChain = schedule.NewSenderRatchet(s.Encryption, myLeaf)
	c.recvChains = make(map[uint32]*schedule.SenderRatchet)
}

// epochState returns the secrets and receive chains for the referenced
// epoch, honoring the retention window.
func (c *conversation) epochState(epoch uint64) (*schedule.Secrets, map[uint32]*schedule.SenderRatchet, error) {
	if epoch == c.epoch {
		return c.secrets, c.recvChains, nil
	}
	if epoch > c.epoch {
		return nil, nil, fmt.Errorf("%w: payload epoch %d ahead of %d", domain.ErrEpochMismatch, epoch, c.epoch)
	}
	for _, p := range c.pastEpochs {
		if p.epoch == epoch {
			return p.secrets, p.recvChains, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: epoch %d not retained", domain.ErrEpochExpired, epoch)
}

// zero wipes all in-memory secret material of the conversation.
func (c *conversation) zero() {
	if c.secrets != nil {
		c.secrets.Zero()
	}
	memzero.Zero32((*[32]byte)(&c.leafPriv))
	if c.updatePriv != nil {
		memzero.Zero32((*[32]byte)(c.updatePriv))
	}
	if c.sendChain != nil {
		c.sendChain.Zero()
	}
	for _, r := range c.recvChains {
		r.Zero()
	}
	for _, p := range c.pastEpochs {
		p.secrets.Zero()
		for _, r := range p.recvChains {
			r.Zero()
		}
	}
	if c.pending != nil {
		c.pending.secrets.Zero()
		memzero.Zero32((*[32]byte)(&c.pending.leafPriv))
	}
}

// ---------- persistence ----------

// Snapshot layout versioning. Snapshots are rewritten whole on every
// transition, so only the current version needs decoding.
const snapshotVersion uint8 = 1

func encodeTree(w *codec.Writer, t *tree.Tree) {
	leaves := t.Leaves()
	w.U32(uint32(len(leaves)))
	for _, l := range leaves {
		if l == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(l.InitKey[:])
		w.Opaque16(l.Credential.ClientID)
		w.Raw(l.Credential.SignKey[:])
	}
	nodes := t.Nodes()
	w.U32(uint32(len(nodes)))
	for _, n := range nodes {
		if n == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(n[:])
	}
}

func decodeTree(r *codec.Reader, bound int) (*tree.Tree, error) {
	nLeaves := int(r.U32())
	if r.Err() == nil && nLeaves > bound {
		return nil, codec.ErrOversized
	}
	var leaves []*domain.LeafInfo
	for i := 0; i < nLeaves && r.Err() == nil; i++ {
		if r.U8() == 0 {
			leaves = append(leaves, nil)
			continue
		}
		var l domain.LeafInfo
		l.InitKey = domain.X25519Public(r.Raw32())
		l.Credential.ClientID = r.Opaque16()
		l.Credential.SignKey = domain.Ed25519Public(r.Raw32())
		leaves = append(leaves, &l)
	}
	nNodes := int(r.U32())
	if r.Err() == nil && nNodes > bound {
		return nil, codec.ErrOversized
	}
	var nodes []*domain.X25519Public
	for i := 0; i < nNodes && r.Err() == nil; i++ {
		if r.U8() == 0 {
			nodes = append(nodes, nil)
			continue
		}
		pub := domain.X25519Public(r.Raw32())
		nodes = append(nodes, &pub)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return tree.FromPublic(leaves, nodes)
}

func encodeSecrets(w *codec.Writer, s *schedule.Secrets) {
	w.U64(s.Epoch)
	w.Raw(s.Init[:])
	w.Raw(s.SenderData[:])
	w.Raw(s.Encryption[:])
	w.Raw(s.Exporter[:])
	w.Raw(s.Confirmation[:])
	w.Raw(s.Membership[:])
	w.Raw(s.External[:])
}

func decodeSecrets(r *codec.Reader) *schedule.Secrets {
	var s schedule.Secrets
	s.Epoch = r.U64()
	s.Init = r.Raw32()
	s.SenderData = r.Raw32()
	s.Encryption = r.Raw32()
	s.Exporter = r.Raw32()
	s.Confirmation = r.Raw32()
	s.Membership = r.Raw32()
	s.External = r.Raw32()
	return &s
}

func encodeChains(w *codec.Writer, chains map[uint32]*schedule.SenderRatchet) {
	w.U32(uint32(len(chains)))
	for leaf, r := range chains {
		w.U32(leaf)
		w.U32(r.NextGen)
		w.Raw(r.ChainKey[:])
	}
}

func decodeChains(r *codec.Reader, bound int) (map[uint32]*schedule.SenderRatchet, error) {
	n := int(r.U32())
	if r.Err() == nil && n > bound {
		return nil, codec.ErrOversized
	}
	chains := make(map[uint32]*schedule.SenderRatchet, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		leaf := r.U32()
		gen := r.U32()
		key := r.Raw32()
		chains[leaf] = &schedule.SenderRatchet{Leaf: leaf, NextGen: gen, ChainKey: key}
	}
	return chains, r.Err()
}

func (c *conversation) encode() []byte {
	w := codec.NewWriter()
	w.U8(snapshotVersion)
	w.Opaque16(c.id)
	w.U32(uint32(c.cfg.MaxPastEpochs))
	w.U32(uint32(len(c.cfg.ExternalSenders)))
	for _, k := range c.cfg.ExternalSenders {
		w.Raw(k[:])
	}

	w.U64(c.epoch)
	encodeTree(w, c.tree)
	encodeSecrets(w, c.secrets)
	w.Raw(c.transcript[:])
	w.U32(c.myLeaf)
	w.Raw(c.leafPriv[:])
	if c.updatePriv != nil {
		w.U8(1)
		w.Raw(c.updatePriv[:])
	} else {
		w.U8(0)
	}

	w.U32(c.sendChain.NextGen)
	w.Raw(c.sendChain.ChainKey[:])
	encodeChains(w, c.recvChains)

	w.U32(uint32(len(c.pastEpochs)))
	for _, p := range c.pastEpochs {
		w.U64(p.epoch)
		encodeSecrets(w, p.secrets)
		encodeChains(w, p.recvChains)
	}

	w.U64(c.lastPromoted)
	if c.poisoned {
		w.U8(1)
	} else {
		w.U8(0)
	}
	return w.Bytes()
}

func decodeConversation(b []byte) (*conversation, error) {
	r := codec.NewReader(b)
	if v := r.U8(); v != snapshotVersion {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: snapshot version %d", domain.ErrMalformedIdentifier, v)
	}
	c := &conversation{}
	c.id = r.Opaque16()
	c.cfg.MaxPastEpochs = int(r.U32())
	nSenders := int(r.U32())
	if r.Err() == nil && nSenders > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nSenders && r.Err() == nil; i++ {
		c.cfg.ExternalSenders = append(c.cfg.ExternalSenders, domain.Ed25519Public(r.Raw32()))
	}

	c.epoch = r.U64()
	t, err := decodeTree(r, len(b))
	if err != nil {
		return nil, err
	}
	c.tree = t
	c.secrets = decodeSecrets(r)
	c.transcript = r.Raw32()
	c.myLeaf = r.U32()
	c.leafPriv = domain.X25519Private(r.Raw32())
	if r.U8() == 1 {
		priv := domain.X25519Private(r.Raw32())
		c.updatePriv = &priv
	}

	sendGen := r.U32()
	sendKey := r.Raw32()
	c.sendChain = &schedule.SenderRatchet{Leaf: c.myLeaf, NextGen: sendGen, ChainKey: sendKey}
	c.recvChains, err = decodeChains(r, len(b))
	if err != nil {
		return nil, err
	}

	nPast := int(r.U32())
	if r.Err() == nil && nPast > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nPast && r.Err() == nil; i++ {
		p := &pastEpoch{}
		p.epoch = r.U64()
		p.secrets = decodeSecrets(r)
		p.recvChains, err = decodeChains(r, len(b))
		if err != nil {
			return nil, err
		}
		c.pastEpochs = append(c.pastEpochs, p)
	}

	c.lastPromoted = r.U64()
	c.poisoned = r.U8() == 1
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *pendingCommit) encode() []byte {
	w := codec.NewWriter()
	w.U8(snapshotVersion)
	w.U64(p.epoch)
	encodeTree(w, p.tree)
	encodeSecrets(w, p.secrets)
	w.Raw(p.transcript[:])
	w.Raw(p.leafPriv[:])
	w.Opaque32(p.commitWire)
	w.Opaque32(p.welcomeWire)
	w.Opaque32(p.groupInfoWire)
	return w.Bytes()
}

func decodePendingCommit(b []byte) (*pendingCommit, error) {
	r := codec.NewReader(b)
	if v := r.U8(); v != snapshotVersion {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: snapshot version %d", domain.ErrMalformedIdentifier, v)
	}
	p := &pendingCommit{}
	p.epoch = r.U64()
	t, err := decodeTree(r, len(b))
	if err != nil {
		return nil, err
	}
	p.tree = t
	p.secrets = decodeSecrets(r)
	p.transcript = r.Raw32()
	p.leafPriv = domain.X25519Private(r.Raw32())
	p.commitWire = r.Opaque32()
	p.welcomeWire = r.Opaque32()
	p.groupInfoWire = r.Opaque32()
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}
