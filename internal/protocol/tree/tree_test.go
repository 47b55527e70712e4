package tree

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"cloak/internal/crypto"
	"cloak/internal/domain"
)

func testLeaf(t *testing.T, name string) domain.LeafInfo {
	t.Helper()
	_, pub, err := crypto.GenerateX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	_, signPub, err := crypto.GenerateEd25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.LeafInfo{
		InitKey:    pub,
		Credential: domain.Credential{ClientID: []byte(name), SignKey: signPub},
	}
}

func testKeyPackage(t *testing.T, name string) *domain.KeyPackage {
	t.Helper()
	leaf := testLeaf(t, name)
	return &domain.KeyPackage{InitKey: leaf.InitKey, Credential: leaf.Credential}
}

func TestAddFillsLeftmostBlank(t *testing.T) {
	tr := New(testLeaf(t, "alice"))

	idx, err := tr.Add(testKeyPackage(t, "bob"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if idx != 1 {
		t.Fatalf("bob at leaf %d, want 1 (tree doubled)", idx)
	}
	if tr.Capacity() != 2 {
		t.Fatalf("capacity %d, want 2", tr.Capacity())
	}

	// Remove bob, add carol: carol reuses bob's blank leaf.
	if _, err := tr.Remove([]byte("bob")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	idx, err = tr.Add(testKeyPackage(t, "carol"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if idx != 1 {
		t.Fatalf("carol at leaf %d, want reused leaf 1", idx)
	}
	if tr.Capacity() != 2 {
		t.Fatalf("capacity %d, want unchanged 2", tr.Capacity())
	}
}

func TestCapacityDoubles(t *testing.T) {
	tr := New(testLeaf(t, "m0"))
	for i := 1; i < 9; i++ {
		if _, err := tr.Add(testKeyPackage(t, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Add m%d: %v", i, err)
		}
	}
	if tr.Capacity() != 16 {
		t.Fatalf("capacity %d, want 16 for 9 members", tr.Capacity())
	}
	if tr.MemberCount() != 9 {
		t.Fatalf("members %d, want 9", tr.MemberCount())
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	if _, err := tr.Add(testKeyPackage(t, "alice")); !errors.Is(err, domain.ErrDuplicateMember) {
		t.Fatalf("want ErrDuplicateMember, got %v", err)
	}
}

func TestRemoveUnknownMember(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	if _, err := tr.Remove([]byte("ghost")); !errors.Is(err, domain.ErrUnknownMember) {
		t.Fatalf("want ErrUnknownMember, got %v", err)
	}
	if _, err := tr.Update([]byte("ghost"), domain.X25519Public{}); !errors.Is(err, domain.ErrUnknownMember) {
		t.Fatalf("want ErrUnknownMember, got %v", err)
	}
}

func TestRemoveBlanksPathMaterial(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	for _, name := range []string{"bob", "carol", "dave"} {
		if _, err := tr.Add(testKeyPackage(t, name)); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}
	up, err := tr.NewUpdatePath(0, rand.Reader)
	if err != nil {
		t.Fatalf("NewUpdatePath: %v", err)
	}
	defer up.Zero()

	// All internal nodes on alice's path are populated now.
	populated := 0
	for _, n := range tr.Nodes() {
		if n != nil {
			populated++
		}
	}
	if populated == 0 {
		t.Fatal("update path installed no node keys")
	}

	if _, err := tr.Remove([]byte("bob")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Bob shares alice's path to the root; his removal must blank it.
	for i, n := range tr.Nodes() {
		if i == 0 {
			continue
		}
		if n != nil && i == 1 {
			t.Fatal("root key material survived a removal on its path")
		}
	}
	if _, ok := tr.FindLeaf([]byte("bob")); ok {
		t.Fatal("removed member still present")
	}
}

func TestApplyOrderLastUpdateWins(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	if _, err := tr.Add(testKeyPackage(t, "bob")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	k1 := testLeaf(t, "x").InitKey
	k2 := testLeaf(t, "y").InitKey
	_, err := tr.Apply([]domain.Proposal{
		{Kind: domain.ProposalUpdate, Sender: []byte("bob"), UpdateKey: k1},
		{Kind: domain.ProposalUpdate, Sender: []byte("bob"), UpdateKey: k2},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	idx, _ := tr.FindLeaf([]byte("bob"))
	if tr.Leaf(idx).InitKey != k2 {
		t.Fatal("last update did not win")
	}
}

func TestCommitSecretAgreement(t *testing.T) {
	// Build a 4-member tree shared by all parties, then have leaf 0 commit
	// and every other member recover the same commit secret from its LCA
	// path secret.
	tr := New(testLeaf(t, "alice"))
	for _, name := range []string{"bob", "carol", "dave"} {
		if _, err := tr.Add(testKeyPackage(t, name)); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}

	views := map[uint32]*Tree{1: tr.Clone(), 2: tr.Clone(), 3: tr.Clone()}

	up, err := tr.NewUpdatePath(0, rand.Reader)
	if err != nil {
		t.Fatalf("NewUpdatePath: %v", err)
	}
	defer up.Zero()

	for member, view := range views {
		lca, err := up.SecretForMember(tr, 0, member)
		if err != nil {
			t.Fatalf("SecretForMember(%d): %v", member, err)
		}
		got, err := view.MergePath(0, member, up.LeafPub, up.PathKeys, lca)
		if err != nil {
			t.Fatalf("MergePath(%d): %v", member, err)
		}
		if got != up.CommitSecret {
			t.Fatalf("member %d derived a different commit secret", member)
		}
		if view.Hash() != tr.Hash() {
			t.Fatalf("member %d tree hash diverged", member)
		}
	}
}

func TestMergePathRejectsTamperedKeys(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	if _, err := tr.Add(testKeyPackage(t, "bob")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	bobView := tr.Clone()

	up, err := tr.NewUpdatePath(0, rand.Reader)
	if err != nil {
		t.Fatalf("NewUpdatePath: %v", err)
	}
	defer up.Zero()

	lca, err := up.SecretForMember(tr, 0, 1)
	if err != nil {
		t.Fatalf("SecretForMember: %v", err)
	}
	tampered := append([]domain.X25519Public(nil), up.PathKeys...)
	tampered[0][5] ^= 0xff
	if _, err := bobView.MergePath(0, 1, up.LeafPub, tampered, lca); !errors.Is(err, domain.ErrAuthenticationFailure) {
		t.Fatalf("want ErrAuthenticationFailure, got %v", err)
	}
}

func TestPublicRoundTrip(t *testing.T) {
	tr := New(testLeaf(t, "alice"))
	for _, name := range []string{"bob", "carol"} {
		if _, err := tr.Add(testKeyPackage(t, name)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	up, err := tr.NewUpdatePath(0, rand.Reader)
	if err != nil {
		t.Fatalf("NewUpdatePath: %v", err)
	}
	up.Zero()

	re, err := FromPublic(tr.Leaves(), tr.Nodes())
	if err != nil {
		t.Fatalf("FromPublic: %v", err)
	}
	if re.Hash() != tr.Hash() {
		t.Fatal("round-tripped tree hash mismatch")
	}
}
