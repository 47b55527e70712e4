package domain

// KeyStore is the durable, encrypted-at-rest storage boundary. Updates are
// atomic per key. Implementations must be safe for concurrent use.
type KeyStore interface {
	Get(key string) (value []byte, ok bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error

	// List returns every key with the given prefix.
	List(prefix string) ([]string, error)

	// Wipe destroys all stored state.
	Wipe() error
}

// CredentialProvider owns the client's long-term signing identity.
type CredentialProvider interface {
	// Identity loads the stored identity, creating one for clientID when
	// none exists yet.
	Identity(clientID []byte) (ClientIdentity, error)

	// Sign signs msg under the client's long-term key with a
	// domain-separating label.
	Sign(label string, msg []byte) ([]byte, error)

	// PublicKey returns the long-term signing public key.
	PublicKey() (Ed25519Public, error)

	// ValidateCredential checks structural validity of a peer credential.
	ValidateCredential(c Credential) error
}

// KeyPackageFactory generates, validates and redeems key packages.
type KeyPackageFactory interface {
	// Issue returns n valid key packages, generating any lacking amount.
	Issue(n int) ([]KeyPackage, error)

	// ValidCount reports how many unconsumed, unexpired key packages remain.
	ValidCount() (int, error)

	// Validate checks a peer's key package signature and lifetime.
	Validate(kp *KeyPackage, now int64) error

	// Redeem consumes the private init key matching ref. Single use.
	Redeem(ref KeyPackageRef) (X25519Private, bool, error)
}

// ProposalStore holds proposals not yet folded into a commit, scoped per
// conversation and epoch, insertion order preserved.
type ProposalStore interface {
	Add(conversationID []byte, epoch uint64, p Proposal) error
	ListPending(conversationID []byte, epoch uint64) []Proposal
	ClearEpoch(conversationID []byte, epoch uint64)
}
