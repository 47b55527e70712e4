package tree

import (
	"fmt"
	"io"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/util/memzero"
)

// UpdatePath is the result of a committer refreshing its direct path. The
// path secrets chain upward one-way: the secret at level k is derived from
// level k-1, and the commit secret caps the chain above the root.
type UpdatePath struct {
	LeafPriv domain.X25519Private
	LeafPub  domain.X25519Public

	// PathKeys[k-1] is the derived public key of the level-k ancestor.
	PathKeys []domain.X25519Public

	// pathSecrets[k-1] is the level-k path secret; retained so the
	// committer can seal the right lowest-common-ancestor secret to each
	// continuing member.
	pathSecrets [][32]byte

	CommitSecret [32]byte
}

// NewUpdatePath generates fresh entropy for senderLeaf's direct path and
// installs the derived public keys into the tree.
func (t *Tree) NewUpdatePath(senderLeaf uint32, rand io.Reader) (*UpdatePath, error) {
	if t.Leaf(senderLeaf) == nil {
		return nil, fmt.Errorf("%w: leaf %d is blank", domain.ErrTreeInvariant, senderLeaf)
	}

	leafPriv, leafPub, err := crypto.GenerateX25519(rand)
	if err != nil {
		return nil, err
	}
	var leafSecret [32]byte
	if _, err := io.ReadFull(rand, leafSecret[:]); err != nil {
		return nil, err
	}
	defer memzero.Zero32(&leafSecret)

	up := &UpdatePath{LeafPriv: leafPriv, LeafPub: leafPub}
	t.leaves[senderLeaf].InitKey = leafPub

	secret := leafSecret
	depth := t.depth()
	x := t.heapIndex(senderLeaf)
	for level := 1; level <= depth; level++ {
		secret = crypto.DeriveSecret(secret[:], "path")
		up.pathSecrets = append(up.pathSecrets, secret)

		nodePub, err := nodeKey(secret)
		if err != nil {
			return nil, err
		}
		up.PathKeys = append(up.PathKeys, nodePub)
		x /= 2
		pub := nodePub
		t.nodes[x] = &pub
	}
	up.CommitSecret = crypto.DeriveSecret(secret[:], "path")
	return up, nil
}

// SecretForMember returns the path secret at the lowest common ancestor of
// the committer and member, the one sealed into the commit for that member.
func (up *UpdatePath) SecretForMember(t *Tree, senderLeaf, member uint32) ([32]byte, error) {
	level := t.LCALevel(senderLeaf, member)
	if level < 1 || level > len(up.pathSecrets) {
		return [32]byte{}, fmt.Errorf("%w: lca level %d outside path", domain.ErrTreeInvariant, level)
	}
	return up.pathSecrets[level-1], nil
}

// Zero wipes the retained path secrets.
func (up *UpdatePath) Zero() {
	memzero.Zero32((*[32]byte)(&up.LeafPriv))
	for i := range up.pathSecrets {
		memzero.Zero32(&up.pathSecrets[i])
	}
	memzero.Zero32(&up.CommitSecret)
}

// MergePath applies a received commit's update path: installs the
// committer's new leaf and published path keys, then continues the secret
// chain from our lowest-common-ancestor secret to recover the commit
// secret. The derived keys above the LCA must match the published ones.
func (t *Tree) MergePath(senderLeaf, ourLeaf uint32, leafKey domain.X25519Public, pathKeys []domain.X25519Public, lcaSecret [32]byte) ([32]byte, error) {
	depth := t.depth()
	if len(pathKeys) != depth {
		return [32]byte{}, fmt.Errorf("%w: %d path keys for depth %d", domain.ErrTreeInvariant, len(pathKeys), depth)
	}
	if t.Leaf(senderLeaf) == nil {
		return [32]byte{}, fmt.Errorf("%w: committer leaf %d is blank", domain.ErrTreeInvariant, senderLeaf)
	}
	t.leaves[senderLeaf].InitKey = leafKey
	x := t.heapIndex(senderLeaf)
	for level := 1; level <= depth; level++ {
		x /= 2
		pub := pathKeys[level-1]
		t.nodes[x] = &pub
	}

	lca := t.LCALevel(senderLeaf, ourLeaf)
	secret := lcaSecret
	derived, err := nodeKey(secret)
	if err != nil {
		return [32]byte{}, err
	}
	if derived != pathKeys[lca-1] {
		return [32]byte{}, fmt.Errorf("%w: path secret disagrees with published key", domain.ErrAuthenticationFailure)
	}
	for level := lca + 1; level <= depth; level++ {
		secret = crypto.DeriveSecret(secret[:], "path")
		derived, err := nodeKey(secret)
		if err != nil {
			return [32]byte{}, err
		}
		if derived != pathKeys[level-1] {
			return [32]byte{}, fmt.Errorf("%w: path secret disagrees with published key", domain.ErrAuthenticationFailure)
		}
	}
	commit := crypto.DeriveSecret(secret[:], "path")
	memzero.Zero32(&secret)
	return commit, nil
}

// InstallPath installs a committer's published leaf and path keys without
// deriving secrets. Used by members who cannot open any sealed path secret
// (new joiners replaying history is not supported; this is for bookkeeping
// on trees imported from public state).
func (t *Tree) InstallPath(senderLeaf uint32, leafKey domain.X25519Public, pathKeys []domain.X25519Public) error {
	depth := t.depth()
	if len(pathKeys) != depth {
		return fmt.Errorf("%w: %d path keys for depth %d", domain.ErrTreeInvariant, len(pathKeys), depth)
	}
	if t.Leaf(senderLeaf) == nil {
		return fmt.Errorf("%w: committer leaf %d is blank", domain.ErrTreeInvariant, senderLeaf)
	}
	t.leaves[senderLeaf].InitKey = leafKey
	x := t.heapIndex(senderLeaf)
	for level := 1; level <= depth; level++ {
		x /= 2
		pub := pathKeys[level-1]
		t.nodes[x] = &pub
	}
	return nil
}

// nodeKey derives the public key of an internal node from its path secret.
func nodeKey(pathSecret [32]byte) (domain.X25519Public, error) {
	var priv domain.X25519Private
	copy(priv[:], crypto.ExpandWithLabel(pathSecret[:], "node", nil, 32))
	crypto.Clamp(&priv)
	defer memzero.Zero32((*[32]byte)(&priv))
	return crypto.PublicFromPrivate(priv)
}
