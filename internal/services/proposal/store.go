// Package proposal buffers proposals awaiting a commit, scoped per
// conversation and epoch.
package proposal

import (
	"encoding/hex"
	"fmt"
	"sync"

	"cloak/internal/domain"
)

type epochKey struct {
	conv  string
	epoch uint64
}

// Store is an in-memory proposal queue. Proposals are returned in insertion
// order; a commit folds them in that order.
type Store struct {
	mu      sync.Mutex
	pending map[epochKey][]domain.Proposal
}

func NewStore() *Store {
	return &Store{pending: make(map[epochKey][]domain.Proposal)}
}

func (s *Store) Add(conversationID []byte, epoch uint64, p domain.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := epochKey{hex.EncodeToString(conversationID), epoch}

	// Re-queuing the identical proposal is a no-op rather than a duplicate.
	for _, q := range s.pending[k] {
		if sameProposal(&q, &p) {
			return nil
		}
	}
	if p.Kind < domain.ProposalAdd || p.Kind > domain.ProposalExternalRemove {
		return fmt.Errorf("%w: proposal kind %d", domain.ErrMalformedIdentifier, p.Kind)
	}
	s.pending[k] = append(s.pending[k], p)
	return nil
}

func (s *Store) ListPending(conversationID []byte, epoch uint64) []domain.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := epochKey{hex.EncodeToString(conversationID), epoch}
	out := make([]domain.Proposal, len(s.pending[k]))
	copy(out, s.pending[k])
	return out
}

func (s *Store) ClearEpoch(conversationID []byte, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, epochKey{hex.EncodeToString(conversationID), epoch})
}

func sameProposal(a, b *domain.Proposal) bool {
	if a.Kind != b.Kind || a.Epoch != b.Epoch {
		return false
	}
	return string(a.Encode()) == string(b.Encode())
}

var _ domain.ProposalStore = (*Store)(nil)
