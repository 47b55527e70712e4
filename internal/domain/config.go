package domain

// ConversationConfig carries per-conversation policy fixed at creation or
// join time.
type ConversationConfig struct {
	// MaxPastEpochs bounds how many prior epochs stay decryptable. The
	// default 0 is strict forward-only: a payload from any earlier epoch
	// fails with ErrEpochExpired.
	MaxPastEpochs int

	// ExternalSenders lists signing keys allowed to issue external add or
	// remove proposals for this conversation.
	ExternalSenders []Ed25519Public
}

// ExternalSenderAllowed reports whether key may author external proposals.
func (c ConversationConfig) ExternalSenderAllowed(key Ed25519Public) bool {
	for _, k := range c.ExternalSenders {
		if k == key {
			return true
		}
	}
	return false
}
