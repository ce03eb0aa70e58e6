package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// AuditEntryRepository is an in-memory ledger store. Appends are
// serialized under one mutex, matching the per-organization critical
// section the database implementation provides with advisory locks.
type AuditEntryRepository struct {
	mu      sync.Mutex
	entries map[string][]*audit.Entry // organization -> append order

	// AppendErr, when set, fails the next AppendEntry and then clears.
	AppendErr error
}

// NewAuditEntryRepository creates an empty store.
func NewAuditEntryRepository() *AuditEntryRepository {
	return &AuditEntryRepository{entries: make(map[string][]*audit.Entry)}
}

func (r *AuditEntryRepository) AppendEntry(ctx context.Context, organizationID string, build func(previousHash string) (*audit.Entry, error)) (*audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.AppendErr != nil {
		err := r.AppendErr
		r.AppendErr = nil
		return nil, err
	}

	chain := r.entries[organizationID]
	head := audit.GenesisHash
	if len(chain) > 0 {
		head = chain[len(chain)-1].Hash
	}

	entry, err := build(head)
	if err != nil {
		return nil, err
	}
	if entry.OrganizationID != organizationID {
		return nil, errors.NewInternalError("built entry belongs to a different organization")
	}
	for _, existing := range chain {
		if existing.ID == entry.ID {
			return nil, errors.NewConflictError("DUPLICATE_ENTRY", "audit entry with this ID already exists")
		}
	}

	r.entries[organizationID] = append(chain, entry.Clone())
	return entry, nil
}

func (r *AuditEntryRepository) GetByID(ctx context.Context, organizationID string, id uuid.UUID) (*audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries[organizationID] {
		if entry.ID == id {
			return entry.Clone(), nil
		}
	}
	return nil, errors.ErrEntryNotFound
}

func (r *AuditEntryRepository) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if filter.OrganizationID == "" {
		return nil, 0, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	var matched []*audit.Entry
	for _, entry := range r.entries[filter.OrganizationID] {
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && entry.Resource != filter.Resource {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		if filter.From != nil && entry.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && entry.Timestamp.After(*filter.To) {
			continue
		}
		matched = append(matched, entry.Clone())
	}

	// Newest first, like the database implementation.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (r *AuditEntryRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*audit.Entry, 0, len(r.entries[organizationID]))
	for _, entry := range r.entries[organizationID] {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (r *AuditEntryRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*audit.Entry
	for _, chain := range r.entries {
		for _, entry := range chain {
			if entry.Timestamp.Before(cutoff) {
				out = append(out, entry.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *AuditEntryRepository) DeleteByIDs(ctx context.Context, organizationID string, ids []uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	var kept []*audit.Entry
	var deleted int64
	for _, entry := range r.entries[organizationID] {
		if _, ok := drop[entry.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	r.entries[organizationID] = kept
	return deleted, nil
}

func (r *AuditEntryRepository) InsertRestored(ctx context.Context, entries []*audit.Entry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted int64
	for _, entry := range entries {
		exists := false
		for _, existing := range r.entries[entry.OrganizationID] {
			if existing.ID == entry.ID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		r.entries[entry.OrganizationID] = append(r.entries[entry.OrganizationID], entry.Clone())
		inserted++
	}
	return inserted, nil
}

func (r *AuditEntryRepository) Stats(ctx context.Context, organizationID string, from, to time.Time) (*audit.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &audit.Stats{
		OrganizationID: organizationID,
		From:           from,
		To:             to,
		ByAction:       make(map[string]int),
		ByResource:     make(map[string]int),
	}
	byUser := make(map[string]int)

	for _, entry := range r.entries[organizationID] {
		if entry.Timestamp.Before(from) || entry.Timestamp.After(to) {
			continue
		}
		stats.TotalEntries++
		stats.ByAction[entry.Action]++
		stats.ByResource[entry.Resource]++
		if entry.UserID != "" {
			byUser[entry.UserID]++
		}
	}

	for userID, count := range byUser {
		stats.TopUsers = append(stats.TopUsers, audit.UserActivity{UserID: userID, EntryCount: count})
	}
	sort.Slice(stats.TopUsers, func(i, j int) bool {
		if stats.TopUsers[i].EntryCount == stats.TopUsers[j].EntryCount {
			return stats.TopUsers[i].UserID < stats.TopUsers[j].UserID
		}
		return stats.TopUsers[i].EntryCount > stats.TopUsers[j].EntryCount
	})
	if len(stats.TopUsers) > 10 {
		stats.TopUsers = stats.TopUsers[:10]
	}
	return stats, nil
}

// Count reports how many entries an organization currently holds.
func (r *AuditEntryRepository) Count(organizationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[organizationID])
}
