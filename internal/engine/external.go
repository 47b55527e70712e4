package engine

import (
	"fmt"

	"cloak/internal/crypto"
	"cloak/internal/domain"
	"cloak/internal/protocol/schedule"
	"cloak/internal/services/keypackage"
	"cloak/internal/util/memzero"
)

// NewAddProposal constructs a signed Add proposal for the given key package
// and queues it locally. The returned bytes are forwarded to the group.
func (e *Engine) NewAddProposal(id []byte, keyPackage []byte) ([]byte, error) {
	kp, err := domain.DecodeKeyPackage(keyPackage)
	if err != nil {
		return nil, err
	}
	if err := e.kps.Validate(kp, e.now().Unix()); err != nil {
		return nil, err
	}
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
	if err := e.props.Add(c.id, c.epoch, p); err != nil {
		return nil, err
	}
	return p.Encode(), nil
}

// NewRemoveProposal constructs a signed Remove proposal and queues it.
func (e *Engine) NewRemoveProposal(id []byte, clientID []byte) ([]byte, error) {
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
	if _, ok := c.tree.FindLeaf(clientID); !ok {
		return nil, fmt.Errorf("%w: %x", domain.ErrUnknownMember, clientID)
	}
	p := domain.Proposal{
		Kind:           domain.ProposalRemove,
		ConversationID: c.id,
		Epoch:          c.epoch,
		Sender:         identity.Credential.ClientID,
		Removed:        append([]byte(nil), clientID...),
	}
	sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	if err := e.props.Add(c.id, c.epoch, p); err != nil {
		return nil, err
	}
	return p.Encode(), nil
}

// NewUpdateProposal rotates this client's leaf key via a proposal someone
// else will commit. The fresh private key is retained so the folding
// commit's sealed path secret stays openable.
func (e *Engine) NewUpdateProposal(id []byte) ([]byte, error) {
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

	priv, pub, err := crypto.GenerateX25519(e.rand)
	if err != nil {
		return nil, err
	}
	p := domain.Proposal{
		Kind:           domain.ProposalUpdate,
		ConversationID: c.id,
		Epoch:          c.epoch,
		Sender:         identity.Credential.ClientID,
		UpdateKey:      pub,
	}
	sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	if err := e.props.Add(c.id, c.epoch, p); err != nil {
		return nil, err
	}
	c.updatePriv = &priv
	if err := e.persist(c); err != nil {
		return nil, err
	}
	return p.Encode(), nil
}

// NewExternalAddProposal constructs an ExternalAdd signed by this client's
// identity acting as an external authority. The target group validates the
// signer against its external-senders policy.
func (e *Engine) NewExternalAddProposal(conversationID []byte, epoch uint64, keyPackage []byte) ([]byte, error) {
	kp, err := domain.DecodeKeyPackage(keyPackage)
	if err != nil {
		return nil, err
	}
	if err := e.kps.Validate(kp, e.now().Unix()); err != nil {
		return nil, err
	}
	pub, err := e.creds.PublicKey()
	if err != nil {
		return nil, err
	}
	p := domain.Proposal{
		Kind:           domain.ProposalExternalAdd,
		ConversationID: conversationID,
		Epoch:          epoch,
		Sender:         pub.Slice(),
		KeyPackage:     kp,
	}
	sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p.Encode(), nil
}

// NewExternalRemoveProposal constructs an ExternalRemove signed by this
// client's identity acting as an external authority.
func (e *Engine) NewExternalRemoveProposal(conversationID []byte, epoch uint64, removedClientID []byte) ([]byte, error) {
	if len(removedClientID) == 0 {
		return nil, fmt.Errorf("%w: empty removed client id", domain.ErrMalformedIdentifier)
	}
	pub, err := e.creds.PublicKey()
	if err != nil {
		return nil, err
	}
	p := domain.Proposal{
		Kind:           domain.ProposalExternalRemove,
		ConversationID: conversationID,
		Epoch:          epoch,
		Sender:         pub.Slice(),
		Removed:        append([]byte(nil), removedClientID...),
	}
	sig, err := e.creds.Sign(sigLabelProposal, p.TBS())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p.Encode(), nil
}

// ExportGroupState returns the signed public snapshot of the current epoch,
// from which another client may join by external commit.
func (e *Engine) ExportGroupState(id []byte) ([]byte, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	gi, err := e.buildGroupInfo(c.id, c.epoch, c.tree, c.transcript, c.secrets, c.myLeaf)
	if err != nil {
		return nil, err
	}
	return gi.Encode(), nil
}

// JoinByExternalCommit joins a conversation from its public snapshot
// without a welcome, by committing this client in as a new member. The
// resulting state is merge-pending until
// MergePendingGroupFromExternalCommit confirms it.
func (e *Engine) JoinByExternalCommit(groupState []byte) (*domain.ExternalJoinBundle, error) {
	gi, err := domain.DecodeGroupInfo(groupState)
	if err != nil {
		return nil, err
	}
	if e.ConversationExists(gi.ConversationID) {
		return nil, fmt.Errorf("%w: %x", domain.ErrAlreadyExists, gi.ConversationID)
	}
	e.mu.Lock()
	if _, ok := e.extern[string(gi.ConversationID)]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: external join already pending", domain.ErrCommitAlreadyPending)
	}
	e.mu.Unlock()

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
		return nil, fmt.Errorf("%w: signer leaf %d is blank", domain.ErrAuthenticationFailure, gi.SignerLeaf)
	}
	if !crypto.Verify(signer.Credential.SignKey, sigLabelGroupInfo, gi.TBS(), gi.Signature) {
		return nil, fmt.Errorf("%w: group info signature", domain.ErrAuthenticationFailure)
	}

	// Self-issued key package for the joining leaf; the private half stays
	// local.
	leafPriv, leafPub, err := crypto.GenerateX25519(e.rand)
	if err != nil {
		return nil, err
	}
	now := e.now()
	kp := &domain.KeyPackage{
		InitKey:    leafPub,
		Credential: identity.Credential,
		NotBefore:  now.Unix(),
		NotAfter:   now.Add(keypackage.DefaultLifetime).Unix(),
	}
	kpSig, err := e.creds.Sign(keypackage.SignLabel, kp.TBS())
	if err != nil {
		return nil, err
	}
	kp.Signature = kpSig

	p := domain.Proposal{
		Kind:           domain.ProposalExternalAdd,
		ConversationID: gi.ConversationID,
		Epoch:          gi.Epoch,
		Sender:         identity.Credential.SignKey.Slice(),
		KeyPackage:     kp,
	}
	pSig, err := e.creds.Sign(sigLabelProposal, p.TBS())
	if err != nil {
		return nil, err
	}
	p.Signature = pSig

	myLeaf, err := t.Add(kp)
	if err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := crypto.GenerateX25519(e.rand)
	if err != nil {
		return nil, err
	}
	kem, err := crypto.DH(ephPriv, gi.ExternalKey)
	memzero.Zero32((*[32]byte)(&ephPriv))
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32(&kem)

	commit := &domain.Commit{
		ConversationID: gi.ConversationID,
		PriorEpoch:     gi.Epoch,
		SenderLeaf:     myLeaf,
		Proposals:      []domain.Proposal{p},
		ExternalKem:    &ephPub,
	}

	newEpoch := gi.Epoch + 1
	transcript := nextTranscript(gi.TranscriptHash, commit.TBS())
	ctx := schedule.Context(gi.ConversationID, newEpoch, t.Hash(), transcript)
	var zeroCommitSecret [32]byte
	secrets := schedule.Derive(newEpoch, kem, zeroCommitSecret, ctx)
	commit.ConfirmationTag = secrets.ConfirmationTag(transcript)
	sig, err := e.creds.Sign(sigLabelCommit, commitSigInput(commit))
	if err != nil {
		return nil, err
	}
	commit.Signature = sig

	c := &conversation{
		id:         append([]byte(nil), gi.ConversationID...),
		epoch:      newEpoch,
		tree:       t,
		secrets:    secrets,
		transcript: transcript,
		myLeaf:     myLeaf,
		leafPriv:   leafPriv,
		sendChain:  schedule.NewSenderRatchet(secrets.Encryption, myLeaf),
		recvChains: make(map[uint32]*schedule.SenderRatchet),
	}
	if err := e.store.Put(extPendingKey(c.id), c.encode()); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.extern[string(c.id)] = c
	e.mu.Unlock()
	e.log.Infof("conversation %s: external join pending at epoch %d", shortID(c.id), newEpoch)

	return &domain.ExternalJoinBundle{
		ConversationID: c.id,
		Commit:         commit.Encode(),
	}, nil
}

// MergePendingGroupFromExternalCommit promotes an external join to a live
// conversation once the delivery service confirmed the commit.
func (e *Engine) MergePendingGroupFromExternalCommit(id []byte) error {
	e.mu.Lock()
	c, ok := e.extern[string(id)]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: no pending external join for %x", domain.ErrUnknownConversation, id)
	}
	delete(e.extern, string(id))
	e.convs[string(id)] = c
	e.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := e.persist(c); err != nil {
		return err
	}
	if err := e.store.Delete(extPendingKey(id)); err != nil {
		return err
	}
	e.log.Infof("conversation %s: external join merged at epoch %d", shortID(id), c.epoch)
	return nil
}

// ClearPendingGroupFromExternalCommit aborts an external join, zeroizing
// the derived state.
func (e *Engine) ClearPendingGroupFromExternalCommit(id []byte) error {
	e.mu.Lock()
	c, ok := e.extern[string(id)]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: no pending external join for %x", domain.ErrUnknownConversation, id)
	}
	delete(e.extern, string(id))
	e.mu.Unlock()

	c.mu.Lock()
	c.zero()
	c.mu.Unlock()
	return e.store.Delete(extPendingKey(id))
}

// applyExternalCommit advances a member's state over an external joiner's
// commit. Caller holds c.mu.
func (e *Engine) applyExternalCommit(c *conversation, commit *domain.Commit) error {
	if len(commit.Proposals) != 1 || commit.Proposals[0].Kind != domain.ProposalExternalAdd {
		return fmt.Errorf("%w: external commit must carry exactly one external add", domain.ErrAuthenticationFailure)
	}
	p := &commit.Proposals[0]
	if p.KeyPackage == nil {
		return fmt.Errorf("%w: external add without key package", domain.ErrMalformedIdentifier)
	}
	kp := p.KeyPackage
	if err := e.kps.Validate(kp, e.now().Unix()); err != nil {
		return err
	}
	// The joiner signs its own admission: proposal and commit both verify
	// under the key package credential.
	if !crypto.Verify(kp.Credential.SignKey, sigLabelProposal, p.TBS(), p.Signature) {
		return fmt.Errorf("%w: external add signature", domain.ErrAuthenticationFailure)
	}
	if !crypto.Verify(kp.Credential.SignKey, sigLabelCommit, commitSigInput(commit), commit.Signature) {
		return fmt.Errorf("%w: external commit signature", domain.ErrAuthenticationFailure)
	}

	newTree := c.tree.Clone()
	joinerLeaf, err := newTree.Add(kp)
	if err != nil {
		return e.poison(c, err)
	}
	if joinerLeaf != commit.SenderLeaf {
		return fmt.Errorf("%w: joiner leaf %d, commit claims %d",
			domain.ErrAuthenticationFailure, joinerLeaf, commit.SenderLeaf)
	}

	extPriv, _, err := c.secrets.ExternalKeypair()
	if err != nil {
		return err
	}
	kem, err := crypto.DH(extPriv, *commit.ExternalKem)
	memzero.Zero32((*[32]byte)(&extPriv))
	if err != nil {
		return err
	}
	defer memzero.Zero32(&kem)

	newEpoch := commit.PriorEpoch + 1
	transcript := nextTranscript(c.transcript, commit.TBS())
	ctx := schedule.Context(c.id, newEpoch, newTree.Hash(), transcript)
	var zeroCommitSecret [32]byte
	secrets := schedule.Derive(newEpoch, kem, zeroCommitSecret, ctx)
	if !crypto.MACEqual(secrets.ConfirmationTag(transcript), commit.ConfirmationTag) {
		secrets.Zero()
		return fmt.Errorf("%w: confirmation tag", domain.ErrAuthenticationFailure)
	}

	if c.pending != nil {
		e.log.Infof("conversation %s: external commit won epoch %d, discarding local pending",
			shortID(c.id), newEpoch)
		c.pending.secrets.Zero()
		memzero.Zero32((*[32]byte)(&c.pending.leafPriv))
		c.pending = nil
		if err := e.store.Delete(pendingKey(c.id)); err != nil {
			return err
		}
	}

	c.advance(newEpoch, newTree, secrets, transcript, c.leafPriv, c.myLeaf)
	e.props.ClearEpoch(c.id, commit.PriorEpoch)
	if err := e.persist(c); err != nil {
		return err
	}
	e.log.Infof("conversation %s: external member joined, epoch %d", shortID(c.id), newEpoch)
	return nil
}
