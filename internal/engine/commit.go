package engine

import (
	"bytes"
	"fmt"

	"cloak/internal/codec"
	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/protocol/schedule"
	"cloak/internal/protocol/tree"
	"cloak/internal/services/keypackage"
	"cloak/internal/util/memzero"
)

// commitSigInput covers the commit body and its confirmation tag, so the
// tag cannot be stripped or swapped without breaking the signature.
func commitSigInput(c *domain.Commit) []byte {
	return append(c.TBS(), c.ConfirmationTag...)
}

// pathSecretContext binds a sealed path secret to one commit and recipient.
func pathSecretContext(convID []byte, priorEpoch uint64, senderLeaf, memberLeaf uint32) []byte {
	w := codec.NewWriter()
	w.Opaque8([]byte("path secret"))
	w.Opaque16(convID)
	w.U64(priorEpoch)
	w.U32(senderLeaf)
	w.U32(memberLeaf)
	return w.Bytes()
}

// welcomeContext binds a sealed joiner secret to one conversation epoch.
func welcomeContext(convID []byte, epoch uint64) []byte {
	w := codec.NewWriter()
	w.Opaque8([]byte("welcome secret"))
	w.Opaque16(convID)
	w.U64(epoch)
	return w.Bytes()
}

// nextTranscript chains the running transcript hash over a commit body.
func nextTranscript(prev [32]byte, commitTBS []byte) [32]byte {
	return crypto.Hash(append(prev[:], commitTBS...))
}

// AddClients folds Add proposals for the given key packages (plus any
// pending proposals) into a commit and returns it with the welcome for the
// new members. The commit is pending until CommitAccepted.
func (e *Engine) AddClients(id []byte, keyPackages [][]byte) (*domain.CommitBundle, error) {
	identity, err := e.creds.Identity(nil)
	if err != nil {
		return nil, err
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

	now := e.now().Unix()
	extra := make([]domain.Proposal, 0, len(keyPackages))
	for _, raw := range keyPackages {
		kp, err := domain.DecodeKeyPackage(raw)
		if err != nil {
			return nil, err
		}
		if err := e.kps.Validate(kp, now); err != nil {
			return nil, err
		}
		p := domain.Proposal{
			Kind:           domain.ProposalAdd,
			ConversationID: c.id,
			Epoch:          c.epoch,
			Sender:         identity.Credential.ClientID,
			KeyPackage:     kp,
		}
		sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
		if err != nil {
			return nil, err
		}
		p.Signature = sig
		extra = append(extra, p)
	}
	return e.buildCommit(c, extra, false)
}

// RemoveClients folds Remove proposals for the given client ids into a
// commit.
func (e *Engine) RemoveClients(id []byte, clientIDs [][]byte) (*domain.CommitBundle, error) {
	identity, err := e.creds.Identity(nil)
	if err != nil {
		return nil, err
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

	extra := make([]domain.Proposal, 0, len(clientIDs))
	for _, ref := range clientIDs {
		if _, ok := c.tree.FindLeaf(ref); !ok {
			return nil, fmt.Errorf("%w: %x", domain.ErrUnknownMember, ref)
		}
		p := domain.Proposal{
			Kind:           domain.ProposalRemove,
			ConversationID: c.id,
			Epoch:          c.epoch,
			Sender:         identity.Credential.ClientID,
			Removed:        append([]byte(nil), ref...),
		}
		sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
		if err != nil {
			return nil, err
		}
		p.Signature = sig
		extra = append(extra, p)
	}
	return e.buildCommit(c, extra, false)
}

// UpdateKeyingMaterial rotates this client's leaf entropy by committing a
// fresh update path, folding in any pending proposals.
func (e *Engine) UpdateKeyingMaterial(id []byte) (*domain.CommitBundle, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	return e.buildCommit(c, nil, true)
}

// CommitPendingProposals commits whatever the proposal store holds for the
// current epoch. With nothing pending it is a defined no-op returning nil.
func (e *Engine) CommitPendingProposals(id []byte) (*domain.CommitBundle, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	if len(e.props.ListPending(c.id, c.epoch)) == 0 && c.pending == nil {
		return nil, nil
	}
	return e.buildCommit(c, nil, false)
}

// buildCommit produces the next epoch from pending plus extra proposals.
// Caller holds c.mu. allowEmpty permits a proposal-free commit (key
// rotation).
func (e *Engine) buildCommit(c *conversation, extra []domain.Proposal, allowEmpty bool) (*domain.CommitBundle, error) {
	if c.pending != nil {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrCommitAlreadyPending, shortID(c.id))
	}
	proposals := append(e.props.ListPending(c.id, c.epoch), extra...)
	if len(proposals) == 0 && !allowEmpty {
		return nil, nil
	}

	newTree := c.tree.Clone()
	added, err := newTree.Apply(proposals)
	if err != nil {
		return nil, e.poison(c, err)
	}
	up, err := newTree.NewUpdatePath(c.myLeaf, e.rand)
	if err != nil {
		return nil, e.poison(c, err)
	}
	defer up.Zero()
	leafPriv := up.LeafPriv

	commit := &domain.Commit{
		ConversationID: c.id,
		PriorEpoch:     c.epoch,
		SenderLeaf:     c.myLeaf,
		Proposals:      proposals,
		LeafKey:        up.LeafPub,
		PathKeys:       up.PathKeys,
	}

	addedLeaves := make(map[uint32]bool, len(added))
	for _, leaf := range added {
		addedLeaves[leaf] = true
	}
	for _, leaf := range newTree.MemberLeaves() {
		if leaf == c.myLeaf || addedLeaves[leaf] {
			continue
		}
		lca, err := up.SecretForMember(newTree, c.myLeaf, leaf)
		if err != nil {
			return nil, e.poison(c, err)
		}
		box, err := crypto.Seal(e.rand, newTree.Leaf(leaf).InitKey,
			pathSecretContext(c.id, c.epoch, c.myLeaf, leaf), lca[:])
		memzero.Zero32(&lca)
		if err != nil {
			return nil, err
		}
		commit.PathSecrets = append(commit.PathSecrets, domain.SealedPathSecret{Leaf: leaf, Box: box})
	}

	newEpoch := c.epoch + 1
	tbs := commit.TBS()
	transcript := nextTranscript(c.transcript, tbs)
	ctx := schedule.Context(c.id, newEpoch, newTree.Hash(), transcript)
	secrets := schedule.Derive(newEpoch, c.secrets.Init, up.CommitSecret, ctx)
	commit.ConfirmationTag = secrets.ConfirmationTag(transcript)
	sig, err := e.creds.Sign(sigLabelCommit, commitSigInput(commit))
	if err != nil {
		return nil, err
	}
	commit.Signature = sig

	gi, err := e.buildGroupInfo(c.id, newEpoch, newTree, transcript, secrets, c.myLeaf)
	if err != nil {
		return nil, err
	}

	var welcomeWire []byte
	if len(added) > 0 {
		joiner := schedule.JoinerSecret(c.secrets.Init, up.CommitSecret)
		welcome := &domain.Welcome{GroupInfo: *gi}
		for idx := range added {
			kp := proposals[idx].KeyPackage
			box, err := crypto.Seal(e.rand, kp.InitKey, welcomeContext(c.id, newEpoch), joiner[:])
			if err != nil {
				memzero.Zero32(&joiner)
				return nil, err
			}
			welcome.Secrets = append(welcome.Secrets, domain.EncryptedGroupSecrets{
				Ref: keypackage.Ref(kp),
				Box: box,
			})
		}
		memzero.Zero32(&joiner)
		welcomeWire = welcome.Encode()
	}

	pending := &pendingCommit{
		epoch:         newEpoch,
		tree:          newTree,
		secrets:       secrets,
		transcript:    transcript,
		leafPriv:      leafPriv,
		commitWire:    commit.Encode(),
		welcomeWire:   welcomeWire,
		groupInfoWire: gi.Encode(),
	}
	if err := e.store.Put(pendingKey(c.id), pending.encode()); err != nil {
		return nil, err
	}
	c.pending = pending
	e.log.Debugf("conversation %s: commit pending for epoch %d (%d proposals)",
		shortID(c.id), newEpoch, len(proposals))

	return &domain.CommitBundle{
		Commit:    pending.commitWire,
		Welcome:   welcomeWire,
		GroupInfo: pending.groupInfoWire,
	}, nil
}

// buildGroupInfo snapshots the public group state at an epoch and signs it.
func (e *Engine) buildGroupInfo(id []byte, epoch uint64, t *tree.Tree, transcript [32]byte, secrets *schedule.Secrets, signerLeaf uint32) (*domain.GroupInfo, error) {
	_, extPub, err := secrets.ExternalKeypair()
	if err != nil {
		return nil, err
	}
	gi := &domain.GroupInfo{
		ConversationID:  id,
		Epoch:           epoch,
		Leaves:          t.Leaves(),
		Nodes:           t.Nodes(),
		TreeHash:        t.Hash(),
		TranscriptHash:  transcript,
		ExternalKey:     extPub,
		ConfirmationTag: secrets.ConfirmationTag(transcript),
		SignerLeaf:      signerLeaf,
	}
	sig, err := e.creds.Sign(sigLabelGroupInfo, gi.TBS())
	if err != nil {
		return nil, err
	}
	gi.Signature = sig
	return gi, nil
}

// CommitAccepted promotes the pending commit to the confirmed epoch.
// Calling it again for an already-promoted epoch is a no-op.
func (e *Engine) CommitAccepted(id []byte) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if c.pending == nil {
		if c.lastPromoted == c.epoch && c.epoch > 0 {
			return nil
		}
		return fmt.Errorf("%w: no pending commit at epoch %d", domain.ErrEpochMismatch, c.epoch)
	}
	return e.promotePending(c)
}

// promotePending installs the pending commit as the confirmed state.
// Caller holds c.mu.
func (e *Engine) promotePending(c *conversation) error {
	p := c.pending
	priorEpoch := c.epoch
	c.advance(p.epoch, p.tree, p.secrets, p.transcript, p.leafPriv, c.myLeaf)
	c.lastPromoted = p.epoch
	c.pending = nil
	e.props.ClearEpoch(c.id, priorEpoch)
	if err := e.persist(c); err != nil {
		return err
	}
	if err := e.store.Delete(pendingKey(c.id)); err != nil {
		return err
	}
	e.log.Infof("conversation %s: epoch %d confirmed", shortID(c.id), p.epoch)
	return nil
}

// ClearPendingCommit discards an unconfirmed commit, reverting to the
// confirmed epoch. A no-op when nothing is pending.
func (e *Engine) ClearPendingCommit(id []byte) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	c.pending.secrets.Zero()
	memzero.Zero32((*[32]byte)(&c.pending.leafPriv))
	c.pending = nil
	if err := e.store.Delete(pendingKey(c.id)); err != nil {
		return err
	}
	e.log.Debugf("conversation %s: pending commit discarded", shortID(c.id))
	return nil
}

// ProcessProposal validates and queues a remote proposal. Proposals for a
// stale epoch are dropped silently.
func (e *Engine) ProcessProposal(raw []byte) error {
	p, err := domain.DecodeProposal(raw)
	if err != nil {
		return err
	}
	c, err := e.lookup(p.ConversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if p.Epoch != c.epoch {
		e.log.Debugf("conversation %s: dropping proposal for epoch %d (current %d)",
			shortID(c.id), p.Epoch, c.epoch)
		return nil
	}
	if err := e.verifyProposal(c, p); err != nil {
		return err
	}
	return e.props.Add(c.id, p.Epoch, *p)
}

// verifyProposal authenticates a proposal against the conversation's
// membership or external-sender policy. Caller holds c.mu.
func (e *Engine) verifyProposal(c *conversation, p *domain.Proposal) error {
	var signKey domain.Ed25519Public
	switch p.Kind {
	case domain.ProposalAdd, domain.ProposalUpdate, domain.ProposalRemove:
		leaf, ok := c.tree.FindLeaf(p.Sender)
		if !ok {
			return fmt.Errorf("%w: proposal sender %x", domain.ErrUnknownMember, p.Sender)
		}
		signKey = c.tree.Leaf(leaf).Credential.SignKey
	case domain.ProposalExternalAdd, domain.ProposalExternalRemove:
		if len(p.Sender) != 32 {
			return fmt.Errorf("%w: external sender key length %d", domain.ErrMalformedIdentifier, len(p.Sender))
		}
		copy(signKey[:], p.Sender)
		if !c.cfg.ExternalSenderAllowed(signKey) {
			return fmt.Errorf("%w: external sender not allowed", domain.ErrAuthenticationFailure)
		}
	default:
		return fmt.Errorf("%w: proposal kind %d", domain.ErrMalformedIdentifier, p.Kind)
	}
	if !crypto.Verify(signKey, sigLabelProposal, p.TBS(), p.Signature) {
		return fmt.Errorf("%w: proposal signature", domain.ErrAuthenticationFailure)
	}
	if p.Kind == domain.ProposalAdd || p.Kind == domain.ProposalExternalAdd {
		if p.KeyPackage == nil {
			return fmt.Errorf("%w: add without key package", domain.ErrMalformedIdentifier)
		}
		if err := e.kps.Validate(p.KeyPackage, e.now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// ProcessCommit applies a remote member's commit to local state, advancing
// the confirmed epoch. A local pending commit for the same epoch loses and
// is discarded. Receiving our own echoed pending commit promotes it.
func (e *Engine) ProcessCommit(raw []byte) error {
	commit, err := domain.DecodeCommit(raw)
	if err != nil {
		return err
	}
	c, err := e.lookup(commit.ConversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if commit.PriorEpoch != c.epoch {
		return fmt.Errorf("%w: commit for epoch %d, current %d",
			domain.ErrEpochMismatch, commit.PriorEpoch, c.epoch)
	}

	if commit.ExternalKem != nil {
		return e.applyExternalCommit(c, commit)
	}

	if commit.SenderLeaf == c.myLeaf {
		if c.pending != nil && bytes.Equal(c.pending.commitWire, raw) {
			return e.promotePending(c)
		}
		return fmt.Errorf("%w: unrecognized commit from own leaf", domain.ErrAuthenticationFailure)
	}

	committer := c.tree.Leaf(commit.SenderLeaf)
	if committer == nil {
		return fmt.Errorf("%w: committer leaf %d is not a member", domain.ErrAuthenticationFailure, commit.SenderLeaf)
	}
	if !crypto.Verify(committer.Credential.SignKey, sigLabelCommit, commitSigInput(commit), commit.Signature) {
		return fmt.Errorf("%w: commit signature", domain.ErrAuthenticationFailure)
	}

	// Stale proposals are filtered silently; everything kept must
	// authenticate.
	var proposals []domain.Proposal
	for i := range commit.Proposals {
		p := &commit.Proposals[i]
		if p.Epoch != commit.PriorEpoch {
			continue
		}
		if err := e.verifyProposal(c, p); err != nil {
			return err
		}
		proposals = append(proposals, *p)
	}

	newTree := c.tree.Clone()
	if _, err := newTree.Apply(proposals); err != nil {
		return e.poison(c, err)
	}

	ourID := c.tree.Leaf(c.myLeaf).Credential.ClientID
	if _, stillMember := newTree.FindLeaf(ourID); !stillMember {
		return e.removeSelf(c)
	}

	lca, leafPriv, err := e.openPathSecret(c, commit)
	if err != nil {
		return err
	}
	commitSecret, err := newTree.MergePath(commit.SenderLeaf, c.myLeaf, commit.LeafKey, commit.PathKeys, lca)
	memzero.Zero32(&lca)
	if err != nil {
		return e.poison(c, err)
	}

	newEpoch := commit.PriorEpoch + 1
	transcript := nextTranscript(c.transcript, commit.TBS())
	ctx := schedule.Context(c.id, newEpoch, newTree.Hash(), transcript)
	secrets := schedule.Derive(newEpoch, c.secrets.Init, commitSecret, ctx)
	memzero.Zero32(&commitSecret)
	if !crypto.MACEqual(secrets.ConfirmationTag(transcript), commit.ConfirmationTag) {
		secrets.Zero()
		return fmt.Errorf("%w: confirmation tag", domain.ErrAuthenticationFailure)
	}

	if c.pending != nil {
		e.log.Infof("conversation %s: remote commit won epoch %d, discarding local pending",
			shortID(c.id), newEpoch)
		c.pending.secrets.Zero()
		memzero.Zero32((*[32]byte)(&c.pending.leafPriv))
		c.pending = nil
		if err := e.store.Delete(pendingKey(c.id)); err != nil {
			return err
		}
	}

	c.advance(newEpoch, newTree, secrets, transcript, leafPriv, c.myLeaf)
	e.props.ClearEpoch(c.id, commit.PriorEpoch)
	if err := e.persist(c); err != nil {
		return err
	}
	e.log.Infof("conversation %s: advanced to epoch %d via remote commit", shortID(c.id), newEpoch)
	return nil
}

// openPathSecret finds and opens the sealed path secret addressed to our
// leaf, returning it together with the leaf private key that opened it
// (the current leaf key or an in-flight update key).
func (e *Engine) openPathSecret(c *conversation, commit *domain.Commit) ([32]byte, domain.X25519Private, error) {
	var sealed *domain.SealedPathSecret
	for i := range commit.PathSecrets {
		if commit.PathSecrets[i].Leaf == c.myLeaf {
			sealed = &commit.PathSecrets[i]
			break
		}
	}
	if sealed == nil {
		return [32]byte{}, domain.X25519Private{},
			fmt.Errorf("%w: commit carries no path secret for our leaf", domain.ErrAuthenticationFailure)
	}
	ctx := pathSecretContext(c.id, commit.PriorEpoch, commit.SenderLeaf, c.myLeaf)

	privs := []domain.X25519Private{c.leafPriv}
	if c.updatePriv != nil {
		privs = append(privs, *c.updatePriv)
	}
	for _, priv := range privs {
		pt, err := crypto.Open(priv, sealed.Box, ctx)
		if err != nil {
			continue
		}
		if len(pt) != 32 {
			memzero.Zero(pt)
			break
		}
		var lca [32]byte
		copy(lca[:], pt)
		memzero.Zero(pt)
		return lca, priv, nil
	}
	return [32]byte{}, domain.X25519Private{},
		fmt.Errorf("%w: sealed path secret", domain.ErrAuthenticationFailure)
}

// removeSelf tears down a conversation this client was removed from.
// Caller holds c.mu.
func (e *Engine) removeSelf(c *conversation) error {
	e.log.Infof("conversation %s: this client was removed, deleting state", shortID(c.id))
	c.zero()
	if err := e.store.Delete(convKey(c.id)); err != nil {
		return err
	}
	if err := e.store.Delete(pendingKey(c.id)); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.convs, string(c.id))
	e.mu.Unlock()
	return nil
}

// ProcessWelcome derives conversation state for this newly added client and
// registers the conversation. Returns the conversation id.
func (e *Engine) ProcessWelcome(raw []byte) ([]byte, error) {
	welcome, err := domain.DecodeWelcome(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	gi := &welcome.GroupInfo

	if e.ConversationExists(gi.ConversationID) {
		return nil, fmt.Errorf("%w: %x", domain.ErrAlreadyExists, gi.ConversationID)
	}
	identity, err := e.creds.Identity(nil)
	if err != nil {
		return nil, err
	}

	t, err := treeFromGroupInfo(gi)
	if err != nil {
		return nil, err
	}
	signer := t.Leaf(gi.SignerLeaf)
	if signer == nil {
		return nil, fmt.Errorf("%w: signer leaf %d is blank", domain.ErrInvalidWelcome, gi.SignerLeaf)
	}
	if !crypto.Verify(signer.Credential.SignKey, sigLabelGroupInfo, gi.TBS(), gi.Signature) {
		return nil, fmt.Errorf("%w: group info signature", domain.ErrInvalidWelcome)
	}
	myLeaf, ok := t.FindLeaf(identity.Credential.ClientID)
	if !ok {
		return nil, fmt.Errorf("%w: this client is not in the tree", domain.ErrInvalidWelcome)
	}

	joiner, leafPriv, err := e.openWelcomeSecret(welcome)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&joiner)

	ctx := schedule.Context(gi.ConversationID, gi.Epoch, gi.TreeHash, gi.TranscriptHash)
	secrets := schedule.FromJoiner(gi.Epoch, joiner, ctx)
	if !crypto.MACEqual(secrets.ConfirmationTag(gi.TranscriptHash), gi.ConfirmationTag) {
		secrets.Zero()
		return nil, fmt.Errorf("%w: confirmation tag", domain.ErrInvalidWelcome)
	}

	c := &conversation{
		id:         append([]byte(nil), gi.ConversationID...),
		epoch:      gi.Epoch,
		tree:       t,
		secrets:    secrets,
		transcript: gi.TranscriptHash,
		myLeaf:     myLeaf,
		leafPriv:   leafPriv,
		sendChain:  schedule.NewSenderRatchet(secrets.Encryption, myLeaf),
		recvChains: make(map[uint32]*schedule.SenderRatchet),
	}
	// Re-check, persist, and register under one lock so a racing join of
	// the same conversation cannot overwrite the registered snapshot.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		secrets.Zero()
		return nil, domain.ErrNotInitialized
	}
	if _, ok := e.convs[string(c.id)]; ok {
		secrets.Zero()
		return nil, fmt.Errorf("%w: %x", domain.ErrAlreadyExists, c.id)
	}
	if err := e.persist(c); err != nil {
		return nil, err
	}
	e.convs[string(c.id)] = c
	e.log.Infof("joined conversation %s at epoch %d via welcome", shortID(c.id), c.epoch)
	return c.id, nil
}

// openWelcomeSecret redeems the key package one of the welcome's sealed
// secrets is addressed to and recovers the joiner secret.
func (e *Engine) openWelcomeSecret(welcome *domain.Welcome) ([32]byte, domain.X25519Private, error) {
	gi := &welcome.GroupInfo
	ctx := welcomeContext(gi.ConversationID, gi.Epoch)
	for _, s := range welcome.Secrets {
		priv, ok, err := e.kps.Redeem(s.Ref)
		if err != nil {
			return [32]byte{}, domain.X25519Private{}, err
		}
		if !ok {
			continue
		}
		pt, err := crypto.Open(priv, s.Box, ctx)
		if err != nil || len(pt) != 32 {
			memzero.Zero(pt)
			return [32]byte{}, domain.X25519Private{},
				fmt.Errorf("%w: sealed joiner secret", domain.ErrInvalidWelcome)
		}
		var joiner [32]byte
		copy(joiner[:], pt)
		memzero.Zero(pt)
		return joiner, priv, nil
	}
	return [32]byte{}, domain.X25519Private{},
		fmt.Errorf("%w: no secrets addressed to this client", domain.ErrInvalidWelcome)
}

// treeFromGroupInfo rebuilds the ratchet tree from a public snapshot and
// verifies its hash.
func treeFromGroupInfo(gi *domain.GroupInfo) (*tree.Tree, error) {
	t, err := tree.FromPublic(gi.Leaves, gi.Nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err)
	}
	if t.Hash() != gi.TreeHash {
		return nil, fmt.Errorf("%w: tree hash mismatch", domain.ErrInvalidWelcome)
	}
	return t, nil
}
