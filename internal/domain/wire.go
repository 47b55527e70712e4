package domain

import (
	"fmt"

	"cloak/internal/codec"
)

// Wire encoding of every structured artifact. All encodings follow the TLS
// presentation language: big-endian integers, length-prefixed opaque
// vectors. Each top-level artifact starts with a format byte so a payload
// handed to the wrong decoder fails fast.

const (
	wireKeyPackage uint8 = iota + 1
	wireProposal
	wireCommit
	wireGroupInfo
	wireWelcome
	wireMessage
)

func expectFormat(r *codec.Reader, want uint8, name string) error {
	if got := r.U8(); got != want {
		if err := r.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: not a %s payload", ErrMalformedIdentifier, name)
	}
	return nil
}

// ---------- Credential ----------

func encodeCredential(w *codec.Writer, c Credential) {
	w.Opaque16(c.ClientID)
	w.Raw(c.SignKey[:])
}

func decodeCredential(r *codec.Reader) Credential {
	var c Credential
	c.ClientID = r.Opaque16()
	c.SignKey = Ed25519Public(r.Raw32())
	return c
}

// ---------- KeyPackage ----------

// TBS returns the to-be-signed encoding of the key package.
func (kp *KeyPackage) TBS() []byte {
	w := codec.NewWriter()
	w.Raw(kp.InitKey[:])
	encodeCredential(w, kp.Credential)
	w.U64(uint64(kp.NotBefore))
	w.U64(uint64(kp.NotAfter))
	return w.Bytes()
}

func (kp *KeyPackage) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireKeyPackage)
	w.Raw(kp.TBS())
	w.Opaque16(kp.Signature)
	return w.Bytes()
}

func DecodeKeyPackage(b []byte) (*KeyPackage, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireKeyPackage, "key package"); err != nil {
		return nil, err
	}
	kp := decodeKeyPackageBody(r)
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return kp, nil
}

func encodeKeyPackageBody(w *codec.Writer, kp *KeyPackage) {
	w.Raw(kp.TBS())
	w.Opaque16(kp.Signature)
}

func decodeKeyPackageBody(r *codec.Reader) *KeyPackage {
	var kp KeyPackage
	kp.InitKey = X25519Public(r.Raw32())
	kp.Credential = decodeCredential(r)
	kp.NotBefore = int64(r.U64())
	kp.NotAfter = int64(r.U64())
	kp.Signature = r.Opaque16()
	return &kp
}

// ---------- Proposal ----------

// TBS returns the to-be-signed encoding of the proposal.
func (p *Proposal) TBS() []byte {
	w := codec.NewWriter()
	w.U8(uint8(p.Kind))
	w.Opaque16(p.ConversationID)
	w.U64(p.Epoch)
	w.Opaque16(p.Sender)
	if p.KeyPackage != nil {
		w.U8(1)
		encodeKeyPackageBody(w, p.KeyPackage)
	} else {
		w.U8(0)
	}
	w.Raw(p.UpdateKey[:])
	w.Opaque16(p.Removed)
	return w.Bytes()
}

func (p *Proposal) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireProposal)
	w.Raw(p.TBS())
	w.Opaque16(p.Signature)
	return w.Bytes()
}

func DecodeProposal(b []byte) (*Proposal, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireProposal, "proposal"); err != nil {
		return nil, err
	}
	p := decodeProposalBody(r)
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

func encodeProposalBody(w *codec.Writer, p *Proposal) {
	w.Raw(p.TBS())
	w.Opaque16(p.Signature)
}

func decodeProposalBody(r *codec.Reader) *Proposal {
	var p Proposal
	p.Kind = ProposalKind(r.U8())
	p.ConversationID = r.Opaque16()
	p.Epoch = r.U64()
	p.Sender = r.Opaque16()
	if r.U8() == 1 {
		p.KeyPackage = decodeKeyPackageBody(r)
	}
	p.UpdateKey = X25519Public(r.Raw32())
	p.Removed = r.Opaque16()
	p.Signature = r.Opaque16()
	return &p
}

// ---------- Commit ----------

// TBS returns the to-be-signed encoding of the commit. The confirmation tag
// is excluded: it is computed over the transcript that includes this TBS.
func (c *Commit) TBS() []byte {
	w := codec.NewWriter()
	w.Opaque16(c.ConversationID)
	w.U64(c.PriorEpoch)
	w.U32(c.SenderLeaf)
	w.U32(uint32(len(c.Proposals)))
	for i := range c.Proposals {
		encodeProposalBody(w, &c.Proposals[i])
	}
	w.Raw(c.LeafKey[:])
	w.U32(uint32(len(c.PathKeys)))
	for _, pk := range c.PathKeys {
		w.Raw(pk[:])
	}
	w.U32(uint32(len(c.PathSecrets)))
	for _, ps := range c.PathSecrets {
		w.U32(ps.Leaf)
		w.Raw(ps.Box.EphemeralKey[:])
		w.Opaque16(ps.Box.Ciphertext)
	}
	if c.ExternalKem != nil {
		w.U8(1)
		w.Raw(c.ExternalKem[:])
	} else {
		w.U8(0)
	}
	return w.Bytes()
}

func (c *Commit) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireCommit)
	w.Raw(c.TBS())
	w.Opaque8(c.ConfirmationTag)
	w.Opaque16(c.Signature)
	return w.Bytes()
}

func DecodeCommit(b []byte) (*Commit, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireCommit, "commit"); err != nil {
		return nil, err
	}
	var c Commit
	c.ConversationID = r.Opaque16()
	c.PriorEpoch = r.U64()
	c.SenderLeaf = r.U32()
	nProps := int(r.U32())
	if r.Err() == nil && nProps > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nProps && r.Err() == nil; i++ {
		c.Proposals = append(c.Proposals, *decodeProposalBody(r))
	}
	c.LeafKey = X25519Public(r.Raw32())
	nKeys := int(r.U32())
	if r.Err() == nil && nKeys > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nKeys && r.Err() == nil; i++ {
		c.PathKeys = append(c.PathKeys, X25519Public(r.Raw32()))
	}
	nPaths := int(r.U32())
	if r.Err() == nil && nPaths > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nPaths && r.Err() == nil; i++ {
		var ps SealedPathSecret
		ps.Leaf = r.U32()
		ps.Box.EphemeralKey = X25519Public(r.Raw32())
		ps.Box.Ciphertext = r.Opaque16()
		c.PathSecrets = append(c.PathSecrets, ps)
	}
	if r.U8() == 1 {
		kem := X25519Public(r.Raw32())
		c.ExternalKem = &kem
	}
	c.ConfirmationTag = r.Opaque8()
	c.Signature = r.Opaque16()
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ---------- GroupInfo ----------

// TBS returns the to-be-signed encoding of the group info.
func (g *GroupInfo) TBS() []byte {
	w := codec.NewWriter()
	w.Opaque16(g.ConversationID)
	w.U64(g.Epoch)
	w.U32(uint32(len(g.Leaves)))
	for _, leaf := range g.Leaves {
		if leaf == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(leaf.InitKey[:])
		encodeCredential(w, leaf.Credential)
	}
	w.U32(uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		if n == nil {
			w.U8(0)
			continue
		}
		w.U8(1)
		w.Raw(n[:])
	}
	w.Raw(g.TreeHash[:])
	w.Raw(g.TranscriptHash[:])
	w.Raw(g.ExternalKey[:])
	w.Opaque8(g.ConfirmationTag)
	w.U32(g.SignerLeaf)
	return w.Bytes()
}

func (g *GroupInfo) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireGroupInfo)
	w.Raw(g.TBS())
	w.Opaque16(g.Signature)
	return w.Bytes()
}

func DecodeGroupInfo(b []byte) (*GroupInfo, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireGroupInfo, "group info"); err != nil {
		return nil, err
	}
	g, err := decodeGroupInfoBody(r, len(b))
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeGroupInfoBody(r *codec.Reader, bound int) (*GroupInfo, error) {
	var g GroupInfo
	g.ConversationID = r.Opaque16()
	g.Epoch = r.U64()
	nLeaves := int(r.U32())
	if r.Err() == nil && nLeaves > bound {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nLeaves && r.Err() == nil; i++ {
		if r.U8() == 0 {
			g.Leaves = append(g.Leaves, nil)
			continue
		}
		var leaf LeafInfo
		leaf.InitKey = X25519Public(r.Raw32())
		leaf.Credential = decodeCredential(r)
		g.Leaves = append(g.Leaves, &leaf)
	}
	nNodes := int(r.U32())
	if r.Err() == nil && nNodes > bound {
		return nil, codec.ErrOversized
	}
	for i := 0; i < nNodes && r.Err() == nil; i++ {
		if r.U8() == 0 {
			g.Nodes = append(g.Nodes, nil)
			continue
		}
		pub := X25519Public(r.Raw32())
		g.Nodes = append(g.Nodes, &pub)
	}
	g.TreeHash = r.Raw32()
	g.TranscriptHash = r.Raw32()
	g.ExternalKey = X25519Public(r.Raw32())
	g.ConfirmationTag = r.Opaque8()
	g.SignerLeaf = r.U32()
	g.Signature = r.Opaque16()
	return &g, nil
}

// ---------- Welcome ----------

func (wm *Welcome) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireWelcome)
	gi := wm.GroupInfo.Encode()
	w.Opaque32(gi)
	w.U32(uint32(len(wm.Secrets)))
	for _, s := range wm.Secrets {
		w.Raw(s.Ref[:])
		w.Raw(s.Box.EphemeralKey[:])
		w.Opaque16(s.Box.Ciphertext)
	}
	return w.Bytes()
}

func DecodeWelcome(b []byte) (*Welcome, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireWelcome, "welcome"); err != nil {
		return nil, err
	}
	var wm Welcome
	giBytes := r.Opaque32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	gi, err := DecodeGroupInfo(giBytes)
	if err != nil {
		return nil, err
	}
	wm.GroupInfo = *gi
	n := int(r.U32())
	if r.Err() == nil && n > len(b) {
		return nil, codec.ErrOversized
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		var s EncryptedGroupSecrets
		s.Ref = KeyPackageRef(r.Raw32())
		s.Box.EphemeralKey = X25519Public(r.Raw32())
		s.Box.Ciphertext = r.Opaque16()
		wm.Secrets = append(wm.Secrets, s)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &wm, nil
}

// ---------- MessagePayload ----------

// Header returns the authenticated associated data of the payload.
func (m *MessagePayload) Header() []byte {
	w := codec.NewWriter()
	w.Opaque16(m.ConversationID)
	w.U64(m.Epoch)
	w.U32(m.SenderLeaf)
	w.U32(m.Generation)
	return w.Bytes()
}

func (m *MessagePayload) Encode() []byte {
	w := codec.NewWriter()
	w.U8(wireMessage)
	w.Raw(m.Header())
	w.Opaque32(m.Ciphertext)
	w.Opaque8(m.MembershipTag)
	return w.Bytes()
}

func DecodeMessagePayload(b []byte) (*MessagePayload, error) {
	r := codec.NewReader(b)
	if err := expectFormat(r, wireMessage, "message"); err != nil {
		return nil, err
	}
	var m MessagePayload
	m.ConversationID = r.Opaque16()
	m.Epoch = r.U64()
	m.SenderLeaf = r.U32()
	m.Generation = r.U32()
	m.Ciphertext = r.Opaque32()
	m.MembershipTag = r.Opaque8()
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return &m, nil
}
