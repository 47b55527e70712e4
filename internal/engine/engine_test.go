package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"cloak/internal/domain"
	"cloak/internal/services/credential"
	"cloak/internal/services/keypackage"
	"cloak/internal/services/proposal"
	"cloak/internal/store"
)

type client struct {
	t      *testing.T
	id     []byte
	store  *store.MemStore
	creds  *credential.Provider
	engine *Engine
}

func newClient(t *testing.T, clientID string) *client {
	t.Helper()
	ks := store.NewMemStore()
	creds := credential.New(ks, rand.Reader)
	if _, err := creds.Identity([]byte(clientID)); err != nil {
		t.Fatalf("identity %s: %v", clientID, err)
	}
	eng, err := New(Params{
		Store:       ks,
		Credentials: creds,
		KeyPackages: keypackage.NewFactory(ks, creds, rand.Reader),
		Proposals:   proposal.NewStore(),
		Rand:        rand.Reader,
	})
	if err != nil {
		t.Fatalf("engine %s: %v", clientID, err)
	}
	return &client{t: t, id: []byte(clientID), store: ks, creds: creds, engine: eng}
}

func (c *client) keyPackage() []byte {
	c.t.Helper()
	kps, err := c.engine.ClientKeyPackages(1)
	if err != nil {
		c.t.Fatalf("key packages for %s: %v", c.id, err)
	}
	return kps[0]
}

// addMember runs the full add flow: adder commits, confirms, joiner
// processes the welcome, other members process the commit.
func addMember(t *testing.T, conv []byte, adder, joiner *client, others ...*client) {
	t.Helper()
	bundle, err := adder.engine.AddClients(conv, [][]byte{joiner.keyPackage()})
	if err != nil {
		t.Fatalf("add clients: %v", err)
	}
	if len(bundle.Welcome) == 0 {
		t.Fatal("add produced no welcome")
	}
	if err := adder.engine.CommitAccepted(conv); err != nil {
		t.Fatalf("commit accepted: %v", err)
	}
	if _, err := joiner.engine.ProcessWelcome(bundle.Welcome); err != nil {
		t.Fatalf("process welcome: %v", err)
	}
	for _, o := range others {
		if err := o.engine.ProcessCommit(bundle.Commit); err != nil {
			t.Fatalf("process commit by %s: %v", o.id, err)
		}
	}
}

func TestCreateAddWelcomeMessageRoundTrip(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")

	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if epoch, _ := a.engine.ConversationEpoch(conv); epoch != 0 {
		t.Fatalf("fresh conversation at epoch %d", epoch)
	}
	addMember(t, conv, a, b)

	for _, c := range []*client{a, b} {
		epoch, err := c.engine.ConversationEpoch(conv)
		if err != nil {
			t.Fatalf("epoch for %s: %v", c.id, err)
		}
		if epoch != 1 {
			t.Fatalf("%s at epoch %d, want 1", c.id, epoch)
		}
	}

	// Secret equality, checked through the exporter interface.
	sa, err := a.engine.ExportSecret(conv, "handshake", 32)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.engine.ExportSecret(conv, "handshake", 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatal("exported secrets disagree between members")
	}

	ct, err := a.engine.EncryptMessage(conv, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := b.engine.DecryptMessage(conv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("round trip got %q", pt)
	}

	// And the reverse direction.
	ct2, err := b.engine.EncryptMessage(conv, []byte("hi alice"))
	if err != nil {
		t.Fatal(err)
	}
	pt2, err := a.engine.DecryptMessage(conv, ct2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt2) != "hi alice" {
		t.Fatalf("reverse round trip got %q", pt2)
	}

	members, err := a.engine.ConversationMembers(conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("member count %d, want 2", len(members))
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	a := newClient(t, "alice")
	conv := []byte("c1")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestCreateConcurrentSingleWinner(t *testing.T) {
	a := newClient(t, "alice")
	conv := []byte("c1")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.engine.CreateConversation(conv, domain.ConversationConfig{})
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrAlreadyExists):
			lost++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one of each", won, lost)
	}

	// The persisted snapshot must describe the registered conversation,
	// not the loser's discarded state.
	raw, ok, err := a.store.Get(convKey(conv))
	if err != nil || !ok {
		t.Fatalf("stored snapshot: ok=%v err=%v", ok, err)
	}
	c, err := a.engine.lookup(conv)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !bytes.Equal(raw, c.encode()) {
		t.Fatal("persisted snapshot differs from registered conversation")
	}
}

func TestExportSecretLengthBounds(t *testing.T) {
	a := newClient(t, "alice")
	conv := []byte("c1")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{-1, 0, maxExportLen + 1} {
		if _, err := a.engine.ExportSecret(conv, "handshake", n); !errors.Is(err, domain.ErrInvalidExportLength) {
			t.Fatalf("n=%d: want ErrInvalidExportLength, got %v", n, err)
		}
	}
	out, err := a.engine.ExportSecret(conv, "handshake", maxExportLen)
	if err != nil {
		t.Fatalf("max-length export: %v", err)
	}
	if len(out) != maxExportLen {
		t.Fatalf("exported %d bytes, want %d", len(out), maxExportLen)
	}
}

func TestUnknownConversation(t *testing.T) {
	a := newClient(t, "alice")
	if _, err := a.engine.EncryptMessage([]byte("nope"), []byte("x")); !errors.Is(err, domain.ErrUnknownConversation) {
		t.Fatalf("unknown conversation: %v", err)
	}
	if a.engine.ConversationExists([]byte("nope")) {
		t.Fatal("phantom conversation exists")
	}
}

func TestCommitAlreadyPending(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.engine.AddClients(conv, [][]byte{b.keyPackage()}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.engine.UpdateKeyingMaterial(conv); !errors.Is(err, domain.ErrCommitAlreadyPending) {
		t.Fatalf("second commit while pending: %v", err)
	}

	// Aborting the pending commit unblocks the next one.
	if err := a.engine.ClearPendingCommit(conv); err != nil {
		t.Fatal(err)
	}
	if epoch, _ := a.engine.ConversationEpoch(conv); epoch != 0 {
		t.Fatalf("abort moved epoch to %d", epoch)
	}
	if _, err := a.engine.UpdateKeyingMaterial(conv); err != nil {
		t.Fatalf("commit after abort: %v", err)
	}
}

func TestCommitAcceptedIdempotent(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.engine.AddClients(conv, [][]byte{b.keyPackage()}); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatalf("second confirmation of same epoch: %v", err)
	}
	if epoch, _ := a.engine.ConversationEpoch(conv); epoch != 1 {
		t.Fatalf("epoch %d after double confirm, want 1", epoch)
	}
}

func TestEmptyCommitIsNoOp(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	bundle, err := a.engine.CommitPendingProposals(conv)
	if err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if bundle != nil {
		t.Fatal("empty commit produced a bundle")
	}
	if epoch, _ := a.engine.ConversationEpoch(conv); epoch != 0 {
		t.Fatalf("empty commit advanced epoch to %d", epoch)
	}
}

func TestReplayDetected(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	m0, err := a.engine.EncryptMessage(conv, []byte("g0"))
	if err != nil {
		t.Fatal(err)
	}
	m1, err := a.engine.EncryptMessage(conv, []byte("g1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.engine.DecryptMessage(conv, m0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.engine.DecryptMessage(conv, m1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.engine.DecryptMessage(conv, m0); !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("replay of generation 0: %v", err)
	}
}

func TestOutOfOrderDeliveryWithinEpoch(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	m0, _ := a.engine.EncryptMessage(conv, []byte("first"))
	m1, _ := a.engine.EncryptMessage(conv, []byte("second"))
	pt, err := b.engine.DecryptMessage(conv, m1)
	if err != nil {
		t.Fatalf("skip-ahead decrypt: %v", err)
	}
	if string(pt) != "second" {
		t.Fatalf("got %q", pt)
	}
	// The skipped generation is burned, not buffered.
	if _, err := b.engine.DecryptMessage(conv, m0); !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("late generation 0: %v", err)
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	ct, _ := a.engine.EncryptMessage(conv, []byte("payload"))
	ct[len(ct)/2] ^= 0x01
	if _, err := b.engine.DecryptMessage(conv, ct); !errors.Is(err, domain.ErrAuthenticationFailure) {
		t.Fatalf("tampered payload: %v", err)
	}
}

func TestEpochExpiredStrictDefault(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	stale, err := a.engine.EncryptMessage(conv, []byte("old epoch"))
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := a.engine.UpdateKeyingMaterial(conv)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatal(err)
	}

	if _, err := b.engine.DecryptMessage(conv, stale); !errors.Is(err, domain.ErrEpochExpired) {
		t.Fatalf("stale epoch payload with strict retention: %v", err)
	}
}

func TestRetentionWindowKeepsPriorEpoch(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{MaxPastEpochs: 1}); err != nil {
		t.Fatal(err)
	}
	// The welcomed member inherits no retention config from the wire; set
	// the scenario up so the retaining side is the receiver.
	addMember(t, conv, a, b)

	stale, err := b.engine.EncryptMessage(conv, []byte("old but kept"))
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := b.engine.UpdateKeyingMaterial(conv)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatal(err)
	}

	pt, err := a.engine.DecryptMessage(conv, stale)
	if err != nil {
		t.Fatalf("prior-epoch payload within window: %v", err)
	}
	if string(pt) != "old but kept" {
		t.Fatalf("got %q", pt)
	}
}

func TestRemoveForwardSecrecy(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	c := newClient(t, "carol")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)
	addMember(t, conv, a, c, b)

	bundle, err := a.engine.RemoveClients(conv, [][]byte{c.id})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatal(err)
	}
	// The removed member processes the same commit and drops the
	// conversation entirely.
	if err := c.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatalf("removed member processing removal: %v", err)
	}
	if c.engine.ConversationExists(conv) {
		t.Fatal("removed member still has the conversation")
	}

	members, _ := a.engine.ConversationMembers(conv)
	if len(members) != 2 {
		t.Fatalf("member count after removal %d, want 2", len(members))
	}

	ct, err := a.engine.EncryptMessage(conv, []byte("post-removal"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.engine.DecryptMessage(conv, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "post-removal" {
		t.Fatalf("got %q", pt)
	}
	if _, err := c.engine.DecryptMessage(conv, ct); !errors.Is(err, domain.ErrUnknownConversation) {
		t.Fatalf("removed member decrypted post-removal traffic: %v", err)
	}
}

func TestConcurrentCommitsDetected(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	// Both members commit against epoch 1 concurrently.
	if _, err := a.engine.UpdateKeyingMaterial(conv); err != nil {
		t.Fatal(err)
	}
	bBundle, err := b.engine.UpdateKeyingMaterial(conv)
	if err != nil {
		t.Fatal(err)
	}

	// The delivery service confirms B's commit; A must adopt it and its
	// own confirmation attempt must fail detectably.
	if err := b.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.ProcessCommit(bBundle.Commit); err != nil {
		t.Fatalf("losing side processing winning commit: %v", err)
	}
	if err := a.engine.CommitAccepted(conv); !errors.Is(err, domain.ErrEpochMismatch) {
		t.Fatalf("losing confirmation: %v", err)
	}

	// Both sides converged on B's epoch 2.
	ea, _ := a.engine.ConversationEpoch(conv)
	eb, _ := b.engine.ConversationEpoch(conv)
	if ea != 2 || eb != 2 {
		t.Fatalf("epochs diverged: a=%d b=%d", ea, eb)
	}
	ct, _ := b.engine.EncryptMessage(conv, []byte("converged"))
	if pt, err := a.engine.DecryptMessage(conv, ct); err != nil || string(pt) != "converged" {
		t.Fatalf("post-conflict decrypt: %q %v", pt, err)
	}
}

func TestStaleCommitRejected(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	bundle, err := a.engine.UpdateKeyingMaterial(conv)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatal(err)
	}
	// Replaying the already-applied commit references a stale epoch.
	if err := b.engine.ProcessCommit(bundle.Commit); !errors.Is(err, domain.ErrEpochMismatch) {
		t.Fatalf("stale commit: %v", err)
	}
}

func TestUpdateProposalFlow(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	// B rotates its leaf via a proposal that A commits.
	praw, err := b.engine.NewUpdateProposal(conv)
	if err != nil {
		t.Fatalf("update proposal: %v", err)
	}
	if err := a.engine.ProcessProposal(praw); err != nil {
		t.Fatalf("process proposal: %v", err)
	}
	bundle, err := a.engine.CommitPendingProposals(conv)
	if err != nil {
		t.Fatalf("commit pending proposals: %v", err)
	}
	if bundle == nil {
		t.Fatal("pending proposal produced no commit")
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.ProcessCommit(bundle.Commit); err != nil {
		t.Fatalf("proposer processing folding commit: %v", err)
	}

	ct, _ := a.engine.EncryptMessage(conv, []byte("fresh keys"))
	pt, err := b.engine.DecryptMessage(conv, ct)
	if err != nil || string(pt) != "fresh keys" {
		t.Fatalf("post-update decrypt: %q %v", pt, err)
	}
}

func TestExternalProposalPolicy(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	c := newClient(t, "carol")
	authority := newClient(t, "admin")

	authKey, err := authority.creds.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{
		ExternalSenders: []domain.Ed25519Public{authKey},
	}); err != nil {
		t.Fatal(err)
	}

	praw, err := authority.engine.NewExternalAddProposal(conv, 0, c.keyPackage())
	if err != nil {
		t.Fatalf("external add proposal: %v", err)
	}
	if err := a.engine.ProcessProposal(praw); err != nil {
		t.Fatalf("allowed external proposal rejected: %v", err)
	}

	// A signer outside the allow-list is rejected.
	rogue := newClient(t, "rogue")
	praw2, err := rogue.engine.NewExternalAddProposal(conv, 0, c.keyPackage())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.engine.ProcessProposal(praw2); !errors.Is(err, domain.ErrAuthenticationFailure) {
		t.Fatalf("rogue external proposal: %v", err)
	}

	// Committing the allowed proposal admits the new member.
	bundle, err := a.engine.CommitPendingProposals(conv)
	if err != nil || bundle == nil {
		t.Fatalf("commit external add: %v", err)
	}
	if err := a.engine.CommitAccepted(conv); err != nil {
		t.Fatal(err)
	}
	if _, err := c.engine.ProcessWelcome(bundle.Welcome); err != nil {
		t.Fatalf("welcome from external add: %v", err)
	}
	ct, _ := a.engine.EncryptMessage(conv, []byte("welcome aboard"))
	if pt, err := c.engine.DecryptMessage(conv, ct); err != nil || string(pt) != "welcome aboard" {
		t.Fatalf("externally added member decrypt: %q %v", pt, err)
	}
}

func TestExternalCommitJoin(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	c := newClient(t, "carol")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	state, err := a.engine.ExportGroupState(conv)
	if err != nil {
		t.Fatalf("export group state: %v", err)
	}
	join, err := c.engine.JoinByExternalCommit(state)
	if err != nil {
		t.Fatalf("join by external commit: %v", err)
	}
	if !bytes.Equal(join.ConversationID, conv) {
		t.Fatalf("join targeted %x", join.ConversationID)
	}

	// The joiner's state is pending until merged; messaging must wait.
	if c.engine.ConversationExists(conv) {
		t.Fatal("pending external join already live")
	}

	if err := a.engine.ProcessCommit(join.Commit); err != nil {
		t.Fatalf("member A processing external commit: %v", err)
	}
	if err := b.engine.ProcessCommit(join.Commit); err != nil {
		t.Fatalf("member B processing external commit: %v", err)
	}
	if err := c.engine.MergePendingGroupFromExternalCommit(conv); err != nil {
		t.Fatalf("merge pending group: %v", err)
	}

	for _, cl := range []*client{a, b, c} {
		epoch, err := cl.engine.ConversationEpoch(conv)
		if err != nil {
			t.Fatalf("epoch for %s: %v", cl.id, err)
		}
		if epoch != 2 {
			t.Fatalf("%s at epoch %d, want 2", cl.id, epoch)
		}
	}

	ct, err := c.engine.EncryptMessage(conv, []byte("joined externally"))
	if err != nil {
		t.Fatal(err)
	}
	for _, cl := range []*client{a, b} {
		pt, err := cl.engine.DecryptMessage(conv, ct)
		if err != nil || string(pt) != "joined externally" {
			t.Fatalf("%s decrypting joiner traffic: %q %v", cl.id, pt, err)
		}
	}
	ct2, _ := a.engine.EncryptMessage(conv, []byte("hello joiner"))
	if pt, err := c.engine.DecryptMessage(conv, ct2); err != nil || string(pt) != "hello joiner" {
		t.Fatalf("joiner decrypting member traffic: %q %v", pt, err)
	}
}

func TestExternalJoinAbort(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	c := newClient(t, "carol")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	state, err := a.engine.ExportGroupState(conv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.engine.JoinByExternalCommit(state); err != nil {
		t.Fatal(err)
	}
	if err := c.engine.ClearPendingGroupFromExternalCommit(conv); err != nil {
		t.Fatalf("abort external join: %v", err)
	}
	if err := c.engine.MergePendingGroupFromExternalCommit(conv); !errors.Is(err, domain.ErrUnknownConversation) {
		t.Fatalf("merge after abort: %v", err)
	}
}

func TestRestoreFromDisk(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	b := newClient(t, "bob")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	addMember(t, conv, a, b)

	m0, err := a.engine.EncryptMessage(conv, []byte("before restart"))
	if err != nil {
		t.Fatal(err)
	}

	// A second engine instance over the same store picks up where the
	// first left off, including the send generation watermark.
	eng2, err := New(Params{
		Store:       a.store,
		Credentials: a.creds,
		KeyPackages: keypackage.NewFactory(a.store, a.creds, rand.Reader),
		Proposals:   proposal.NewStore(),
		Rand:        rand.Reader,
	})
	if err != nil {
		t.Fatalf("restored engine: %v", err)
	}
	if !eng2.ConversationExists(conv) {
		t.Fatal("restored engine lost the conversation")
	}
	epoch, err := eng2.ConversationEpoch(conv)
	if err != nil || epoch != 1 {
		t.Fatalf("restored epoch %d %v", epoch, err)
	}

	m1, err := eng2.EncryptMessage(conv, []byte("after restart"))
	if err != nil {
		t.Fatal(err)
	}
	if pt, err := b.engine.DecryptMessage(conv, m0); err != nil || string(pt) != "before restart" {
		t.Fatalf("pre-restart message: %q %v", pt, err)
	}
	if pt, err := b.engine.DecryptMessage(conv, m1); err != nil || string(pt) != "after restart" {
		t.Fatalf("post-restart message: %q %v", pt, err)
	}
}

func TestWipe(t *testing.T) {
	conv := []byte("c1")
	a := newClient(t, "alice")
	if err := a.engine.CreateConversation(conv, domain.ConversationConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.Wipe(); err != nil {
		t.Fatal(err)
	}
	if a.engine.ConversationExists(conv) {
		t.Fatal("conversation survived wipe")
	}
	keys, err := a.store.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("store not empty after wipe: %v", keys)
	}
}

func TestCloseRefusesFurtherUse(t *testing.T) {
	a := newClient(t, "alice")
	if err := a.engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.engine.CreateConversation([]byte("c1"), domain.ConversationConfig{}); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("create after close: %v", err)
	}
}

func TestRandomBytesAndReseed(t *testing.T) {
	a := newClient(t, "alice")
	b1, err := a.engine.RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := a.engine.RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(b1, b2) {
		t.Fatal("randomness repeated")
	}
	// crypto/rand has no reseeding; the call must still be safe.
	if err := a.engine.ReseedRNG([]byte("extra entropy")); err != nil {
		t.Fatal(err)
	}
}
