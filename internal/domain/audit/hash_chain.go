package audit

import (
	"sort"
	"time"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// GenesisHash is the sentinel previous-hash of the first entry in every
// organization's chain. Chains are strictly per-organization; entries
// from different organizations never link to each other.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainVerifier walks an organization's entries and checks hash-chain
// integrity. Interface so services and tests can substitute behavior.
type ChainVerifier interface {
	// VerifyChain sorts entries by timestamp and walks the chain from
	// the genesis sentinel, reporting the first break it finds.
	VerifyChain(entries []*Entry) (*ChainVerification, error)

	// VerifyEntry checks a single entry against its expected predecessor.
	VerifyEntry(entry *Entry, expectedPreviousHash string) (bool, error)
}

// ChainVerification is the structured outcome of a chain walk. A broken
// chain is a diagnostic result, not an error: callers inspect BrokenAt.
type ChainVerification struct {
	Valid           bool        `json:"valid"`
	TotalEntries    int         `json:"total_entries"`
	VerifiedEntries int         `json:"verified_entries"`
	BrokenAt        *ChainBreak `json:"broken_at,omitempty"`
}

// ChainBreak pinpoints the first entry at which verification failed.
type ChainBreak struct {
	EntryID      string `json:"entry_id"`
	Position     int    `json:"position"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Reason       string `json:"reason"`
}

// HashChainVerifier is the production ChainVerifier.
type HashChainVerifier struct{}

// NewHashChainVerifier creates a verifier.
func NewHashChainVerifier() *HashChainVerifier {
	return &HashChainVerifier{}
}

// VerifyEntry returns true iff the entry's stored previous hash matches
// the expected one and its own hash recomputes to the stored value.
func (v *HashChainVerifier) VerifyEntry(entry *Entry, expectedPreviousHash string) (bool, error) {
	if entry == nil {
		return false, errors.NewValidationError("NIL_ENTRY", "entry cannot be nil")
	}
	if entry.Hash == "" {
		return false, errors.NewValidationError("ENTRY_NOT_SIGNED", "entry has no computed hash")
	}

	if entry.PreviousHash != expectedPreviousHash {
		return false, nil
	}

	recomputed, err := ComputeEntryHash(entry.Clone(), expectedPreviousHash)
	if err != nil {
		return false, err
	}
	return recomputed == entry.Hash, nil
}

// VerifyChain walks the entries in timestamp order, tracking the running
// hash from the genesis sentinel. It stops at the first break.
func (v *HashChainVerifier) VerifyChain(entries []*Entry) (*ChainVerification, error) {
	result := &ChainVerification{
		Valid:        true,
		TotalEntries: len(entries),
	}

	if len(entries) == 0 {
		return result, nil
	}

	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID.String() < sorted[j].ID.String()
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	running := GenesisHash
	for i, entry := range sorted {
		ok, err := v.VerifyEntry(entry, running)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Valid = false
			result.BrokenAt = &ChainBreak{
				EntryID:      entry.ID.String(),
				Position:     i,
				ExpectedHash: running,
				ActualHash:   entry.PreviousHash,
				Reason:       breakReason(entry, running),
			}
			return result, nil
		}
		result.VerifiedEntries++
		running = entry.Hash
	}

	return result, nil
}

func breakReason(entry *Entry, expectedPrevious string) string {
	if entry.PreviousHash != expectedPrevious {
		return "previous hash does not match chain head"
	}
	return "entry hash does not match recomputed value"
}

// ChainStats summarizes an organization's chain for reporting.
type ChainStats struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   time.Time      `json:"first_entry,omitempty"`
	LastEntry    time.Time      `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	ByResource   map[string]int `json:"by_resource"`
}

// ComputeChainStats aggregates entry counts by action and resource.
func ComputeChainStats(entries []*Entry) *ChainStats {
	stats := &ChainStats{
		TotalEntries: len(entries),
		ByAction:     make(map[string]int),
		ByResource:   make(map[string]int),
	}

	for i, entry := range entries {
		if i == 0 || entry.Timestamp.Before(stats.FirstEntry) {
			stats.FirstEntry = entry.Timestamp
		}
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
		stats.ByAction[entry.Action]++
		stats.ByResource[entry.Resource]++
	}

	return stats
}
