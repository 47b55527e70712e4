package domain

import "errors"

// Error taxonomy surfaced by the engine. Callers match with errors.Is.
var (
	// ErrAlreadyExists is returned when creating a conversation whose id is
	// already registered locally.
	ErrAlreadyExists = errors.New("conversation already exists")

	// ErrUnknownConversation is returned when an operation references a
	// conversation id the engine does not know.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrInvalidWelcome is returned when a welcome message fails
	// authentication or describes a malformed tree.
	ErrInvalidWelcome = errors.New("invalid welcome")

	// ErrCommitAlreadyPending is returned when a second commit is attempted
	// while one is awaiting confirmation. Exactly one pending commit may
	// exist per conversation.
	ErrCommitAlreadyPending = errors.New("commit already pending")

	// ErrEpochExpired is returned when a payload references an epoch that is
	// no longer retained.
	ErrEpochExpired = errors.New("epoch expired")

	// ErrEpochMismatch is returned when a commit confirmation or inbound
	// commit references an epoch that is not the conversation's current one.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrReplayDetected is returned when a message generation at or below
	// the sender's consumed watermark is seen again.
	ErrReplayDetected = errors.New("message replay detected")

	// ErrGenerationTooFar is returned when a message generation is further
	// ahead of the sender's chain than the engine will derive toward.
	ErrGenerationTooFar = errors.New("message generation too far ahead")

	// ErrInvalidExportLength is returned when an exported secret length is
	// non-positive or beyond what the KDF can produce in one expansion.
	ErrInvalidExportLength = errors.New("invalid export length")

	// ErrDuplicateMember is returned when a commit would add a client that
	// is already a member.
	ErrDuplicateMember = errors.New("duplicate member")

	// ErrUnknownMember is returned when a remove or update references a
	// client that is not in the tree.
	ErrUnknownMember = errors.New("unknown member")

	// ErrTreeInvariant indicates an internal tree inconsistency. It is fatal
	// for the conversation: the engine refuses further operations on it.
	ErrTreeInvariant = errors.New("ratchet tree invariant violation")

	// ErrAuthenticationFailure is returned when a signature or MAC check
	// fails on any inbound artifact.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrKeyPackageExhausted is returned when no unconsumed, unexpired key
	// packages remain for this client.
	ErrKeyPackageExhausted = errors.New("key packages exhausted")

	// ErrNotInitialized is returned when the engine is used before a client
	// identity has been established.
	ErrNotInitialized = errors.New("client identity not initialized")

	// ErrMalformedIdentifier is returned for empty or oversized ids.
	ErrMalformedIdentifier = errors.New("malformed identifier")
)
