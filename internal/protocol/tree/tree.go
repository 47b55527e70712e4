// Package tree implements the per-conversation membership tree: a
// left-balanced binary tree whose leaves hold member key material and whose
// internal nodes hold public keys derived from commit update paths. The
// tree is mutated only by applying commits.
package tree

import (
	"bytes"
	"fmt"

	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
)

// Tree is the ratchet tree state for one conversation at one epoch.
//
// Layout: leaf capacity is a power of two; internal nodes live in a
// heap-ordered array where index 1 is the root and leaf i maps to heap
// index capacity+i. Blank entries are nil.
type Tree struct {
	capacity int
	leaves   []*domain.LeafInfo
	nodes    []*domain.X25519Public // heap indices 1..capacity-1; index 0 unused
}

// New builds a single-member tree for the conversation creator.
func New(creator domain.LeafInfo) *Tree {
	return &Tree{
		capacity: 1,
		leaves:   []*domain.LeafInfo{&creator},
		nodes:    make([]*domain.X25519Public, 1),
	}
}

// FromPublic reconstructs a tree from its public snapshot.
func FromPublic(leaves []*domain.LeafInfo, nodes []*domain.X25519Public) (*Tree, error) {
	capacity := len(leaves)
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: leaf count %d is not a power of two", domain.ErrTreeInvariant, capacity)
	}
	if len(nodes) != capacity {
		return nil, fmt.Errorf("%w: %d internal nodes for %d leaves", domain.ErrTreeInvariant, len(nodes), capacity)
	}
	t := &Tree{
		capacity: capacity,
		leaves:   make([]*domain.LeafInfo, capacity),
		nodes:    make([]*domain.X25519Public, capacity),
	}
	for i, l := range leaves {
		if l == nil {
			continue
		}
		cp := *l
		cp.Credential.ClientID = append([]byte(nil), l.Credential.ClientID...)
		t.leaves[i] = &cp
	}
	for i, n := range nodes {
		if n == nil {
			continue
		}
		cp := *n
		t.nodes[i] = &cp
	}
	return t, nil
}

// Clone deep-copies the tree.
func (t *Tree) Clone() *Tree {
	cp, err := FromPublic(t.leaves, t.nodes)
	if err != nil {
		// The receiver is already validated; a clone cannot fail.
		panic("tree: clone: " + err.Error())
	}
	return cp
}

// Capacity returns the current leaf capacity.
func (t *Tree) Capacity() int { return t.capacity }

// Leaves returns the public leaf listing (shared, treat as read-only).
func (t *Tree) Leaves() []*domain.LeafInfo { return t.leaves }

// Nodes returns the internal node listing (shared, treat as read-only).
func (t *Tree) Nodes() []*domain.X25519Public { return t.nodes }

// MemberCount reports the number of occupied leaves.
func (t *Tree) MemberCount() int {
	n := 0
	for _, l := range t.leaves {
		if l != nil {
			n++
		}
	}
	return n
}

// Members lists the credentials of all occupied leaves, leaf order.
func (t *Tree) Members() []domain.Credential {
	out := make([]domain.Credential, 0, t.MemberCount())
	for _, l := range t.leaves {
		if l != nil {
			out = append(out, l.Credential)
		}
	}
	return out
}

// MemberLeaves lists the indices of all occupied leaves.
func (t *Tree) MemberLeaves() []uint32 {
	out := make([]uint32, 0, t.MemberCount())
	for i, l := range t.leaves {
		if l != nil {
			out = append(out, uint32(i))
		}
	}
	return out
}

// FindLeaf locates the leaf holding clientID.
func (t *Tree) FindLeaf(clientID []byte) (uint32, bool) {
	for i, l := range t.leaves {
		if l != nil && bytes.Equal(l.Credential.ClientID, clientID) {
			return uint32(i), true
		}
	}
	return 0, false
}

// Leaf returns the leaf at index, or nil when blank or out of range.
func (t *Tree) Leaf(i uint32) *domain.LeafInfo {
	if int(i) >= len(t.leaves) {
		return nil
	}
	return t.leaves[i]
}

// Add occupies the leftmost blank leaf with the key package's material,
// doubling capacity when the tree is full.
func (t *Tree) Add(kp *domain.KeyPackage) (uint32, error) {
	if _, ok := t.FindLeaf(kp.Credential.ClientID); ok {
		return 0, fmt.Errorf("%w: %x", domain.ErrDuplicateMember, kp.Credential.ClientID)
	}
	for i, l := range t.leaves {
		if l == nil {
			t.leaves[i] = &domain.LeafInfo{InitKey: kp.InitKey, Credential: kp.Credential}
			t.blankPath(uint32(i))
			return uint32(i), nil
		}
	}
	idx := uint32(t.capacity) // first leaf of the doubled tree
	t.grow()
	t.leaves[idx] = &domain.LeafInfo{InitKey: kp.InitKey, Credential: kp.Credential}
	return idx, nil
}

// Remove blanks the member's leaf and all key material on its path, so no
// secret derived from the removed member survives.
func (t *Tree) Remove(clientID []byte) (uint32, error) {
	idx, ok := t.FindLeaf(clientID)
	if !ok {
		return 0, fmt.Errorf("%w: %x", domain.ErrUnknownMember, clientID)
	}
	t.leaves[idx] = nil
	t.blankPath(idx)
	return idx, nil
}

// Update replaces a member's leaf key in place and blanks its path: the old
// path keys were derived with the old leaf and are no longer valid.
func (t *Tree) Update(clientID []byte, newKey domain.X25519Public) (uint32, error) {
	idx, ok := t.FindLeaf(clientID)
	if !ok {
		return 0, fmt.Errorf("%w: %x", domain.ErrUnknownMember, clientID)
	}
	t.leaves[idx].InitKey = newKey
	t.blankPath(idx)
	return idx, nil
}

// Apply folds an ordered proposal list into the tree, returning the leaf
// indices of added members keyed by key package position in the list.
// Later proposals win over earlier ones where they overlap; a duplicate add
// for the same identity rejects the whole list.
func (t *Tree) Apply(proposals []domain.Proposal) (added map[int]uint32, err error) {
	added = make(map[int]uint32)
	for i := range proposals {
		p := &proposals[i]
		switch p.Kind {
		case domain.ProposalAdd, domain.ProposalExternalAdd:
			if p.KeyPackage == nil {
				return nil, fmt.Errorf("%w: add without key package", domain.ErrMalformedIdentifier)
			}
			idx, err := t.Add(p.KeyPackage)
			if err != nil {
				return nil, err
			}
			added[i] = idx
		case domain.ProposalUpdate:
			if _, err := t.Update(p.Sender, p.UpdateKey); err != nil {
				return nil, err
			}
		case domain.ProposalRemove, domain.ProposalExternalRemove:
			if _, err := t.Remove(p.Removed); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: proposal kind %d", domain.ErrMalformedIdentifier, p.Kind)
		}
	}
	return added, nil
}

// grow doubles leaf capacity. Internal node keys are discarded: the heap
// indexing changes shape and the committing member publishes a fresh path
// immediately after.
func (t *Tree) grow() {
	newCap := t.capacity * 2
	leaves := make([]*domain.LeafInfo, newCap)
	copy(leaves, t.leaves)
	t.capacity = newCap
	t.leaves = leaves
	t.nodes = make([]*domain.X25519Public, newCap)
}

// blankPath clears all internal nodes from the leaf to the root.
func (t *Tree) blankPath(leaf uint32) {
	for x := t.heapIndex(leaf) / 2; x >= 1; x /= 2 {
		t.nodes[x] = nil
	}
}

func (t *Tree) heapIndex(leaf uint32) int { return t.capacity + int(leaf) }

// depth returns the number of internal levels above a leaf.
func (t *Tree) depth() int {
	d := 0
	for c := t.capacity; c > 1; c >>= 1 {
		d++
	}
	return d
}

// LCALevel returns the level (1 = leaf parent) of the lowest common
// ancestor of two distinct leaves.
func (t *Tree) LCALevel(a, b uint32) int {
	xa, xb := t.heapIndex(a), t.heapIndex(b)
	level := 0
	for xa != xb {
		xa /= 2
		xb /= 2
		level++
	}
	return level
}

// Hash returns the tree hash covering all leaves and internal nodes.
func (t *Tree) Hash() [32]byte {
	w := codec.NewWriter()
	w.U32(uint32(t.capacity))
	for _, l := range t.leaves {
		if l == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(l.InitKey[:])
		w.Opaque16(l.Credential.ClientID)
		w.Raw(l.Credential.SignKey[:])
	}
	for x := 1; x < t.capacity; x++ {
		if t.nodes[x] == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(t.nodes[x][:])
	}
	return crypto.Hash(w.Bytes())
}

// Validate checks structural invariants. A failure here is a logic defect,
// not bad peer input.
func (t *Tree) Validate() error {
	if t.capacity == 0 || t.capacity&(t.capacity-1) != 0 {
		return fmt.Errorf("%w: capacity %d", domain.ErrTreeInvariant, t.capacity)
	}
	if len(t.leaves) != t.capacity || len(t.nodes) != t.capacity {
		return fmt.Errorf("%w: slice sizes disagree with capacity", domain.ErrTreeInvariant)
	}
	seen := make(map[string]struct{}, len(t.leaves))
	for _, l := range t.leaves {
		if l == nil {
			continue
		}
		key := string(l.Credential.ClientID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: client present in two leaves", domain.ErrTreeInvariant)
		}
		seen[key] = struct{}{}
	}
	return nil
}
