package domain

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

// Credential binds a client id to its long-term signing key.
type Credential struct {
	ClientID []byte
	SignKey  Ed25519Public
}

// ClientIdentity holds the long-term keys owned exclusively by one client.
type ClientIdentity struct {
	Credential Credential
	SignPriv   Ed25519Private
}

// KeyPackageRef uniquely identifies a key package (hash of its wire form).
type KeyPackageRef [32]byte

func (r KeyPackageRef) Slice() []byte { return r[:] }

// KeyPackage is the signed public key material a client publishes so others
// can add it to a conversation. Single use: consumed when redeemed.
type KeyPackage struct {
	InitKey    X25519Public
	Credential Credential
	NotBefore  int64
	NotAfter   int64
	Signature  []byte
}

// ProposalKind tags the proposal variants.
type ProposalKind uint8

const (
	ProposalAdd ProposalKind = iota + 1
	ProposalUpdate
	ProposalRemove
	ProposalExternalAdd
	ProposalExternalRemove
)

func (k ProposalKind) String() string {
	switch k {
	case ProposalAdd:
		return "add"
	case ProposalUpdate:
		return "update"
	case ProposalRemove:
		return "remove"
	case ProposalExternalAdd:
		return "external-add"
	case ProposalExternalRemove:
		return "external-remove"
	}
	return "unknown"
}

// Proposal is a requested membership or key change, not yet applied. It is
// immutable once created and references the epoch it was generated in.
type Proposal struct {
	Kind           ProposalKind
	ConversationID []byte
	Epoch          uint64

	// Sender identifies the proposer: a member client id, or for external
	// proposals the raw signing key of the external authority.
	Sender []byte

	// KeyPackage is set for Add and ExternalAdd.
	KeyPackage *KeyPackage
	// UpdateKey is the fresh leaf key for Update.
	UpdateKey X25519Public
	// Removed is the client id targeted by Remove and ExternalRemove.
	Removed []byte

	Signature []byte
}

// SealedBox is a single-shot public-key encryption: an ephemeral X25519
// public key plus an AEAD ciphertext under the derived shared key.
type SealedBox struct {
	EphemeralKey X25519Public
	Ciphertext   []byte
}

// SealedPathSecret carries the lowest-common-ancestor path secret of a
// commit, sealed to one continuing member's leaf key.
type SealedPathSecret struct {
	Leaf uint32
	Box  SealedBox
}

// Commit is the atomic application of a set of proposals, advancing the
// epoch from PriorEpoch to PriorEpoch+1.
type Commit struct {
	ConversationID []byte
	PriorEpoch     uint64
	SenderLeaf     uint32
	Proposals      []Proposal

	// LeafKey is the committer's freshly generated leaf public key. Zero for
	// external commits, which contribute entropy via ExternalKem instead.
	LeafKey X25519Public

	// PathKeys are the derived public keys along the committer's direct
	// path, leaf parent first, root last.
	PathKeys []X25519Public

	// PathSecrets hold the update-path entropy sealed per continuing member.
	PathSecrets []SealedPathSecret

	// ExternalKem is the joiner's KEM output against the epoch's external
	// key. Only present on external commits.
	ExternalKem *X25519Public

	// ConfirmationTag authenticates the new epoch's transcript under its
	// confirmation key.
	ConfirmationTag []byte

	Signature []byte
}

// LeafInfo is the public view of one ratchet tree leaf. A nil entry in a
// tree listing denotes a blank (removable/reusable) leaf.
type LeafInfo struct {
	InitKey    X25519Public
	Credential Credential
}

// GroupInfo is the public snapshot of a conversation at one epoch. It is
// exported for external joins and embedded in welcomes.
type GroupInfo struct {
	ConversationID []byte
	Epoch          uint64
	Leaves         []*LeafInfo
	// Nodes are the internal node public keys in heap order (index 1 is the
	// root); nil entries are blank nodes.
	Nodes          []*X25519Public
	TreeHash       [32]byte
	TranscriptHash [32]byte

	// ExternalKey is the epoch's external join key; external commits KEM
	// against it.
	ExternalKey X25519Public

	ConfirmationTag []byte
	SignerLeaf      uint32
	Signature       []byte
}

// EncryptedGroupSecrets carries the joiner secret sealed to one new member's
// key package init key.
type EncryptedGroupSecrets struct {
	Ref KeyPackageRef
	Box SealedBox
}

// Welcome enables newly added members to derive the conversation state at
// the epoch the adding commit produced.
type Welcome struct {
	GroupInfo GroupInfo
	Secrets   []EncryptedGroupSecrets
}

// MessagePayload is an encrypted application message bound to a
// conversation, epoch, sender leaf and generation.
type MessagePayload struct {
	ConversationID []byte
	Epoch          uint64
	SenderLeaf     uint32
	Generation     uint32
	Ciphertext     []byte

	// MembershipTag authenticates the payload under the epoch's membership
	// key before any AEAD work happens.
	MembershipTag []byte
}

// CommitBundle is returned by commit-producing operations. The commit is
// pending until the caller confirms it via CommitAccepted.
type CommitBundle struct {
	Commit    []byte
	Welcome   []byte // empty when the commit adds no members
	GroupInfo []byte
}

// ExternalJoinBundle is returned by JoinByExternalCommit.
type ExternalJoinBundle struct {
	ConversationID []byte
	Commit         []byte
}
