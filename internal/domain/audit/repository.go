package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EntryRepository is the hot-store contract for ledger entries.
// Implementations must make AppendEntry a serialized critical section
// per organization: the read of the chain head and the insert of the
// new entry happen under a per-organization lock so two concurrent
// writers can never observe the same head.
type EntryRepository interface {
	// AppendEntry reads the organization's current chain-head hash,
	// invokes build with it, and persists the returned entry, all
	// inside one serialized transaction. For an empty chain the head is
	// GenesisHash.
	AppendEntry(ctx context.Context, organizationID string, build func(previousHash string) (*Entry, error)) (*Entry, error)

	// GetByID loads one entry scoped to an organization.
	GetByID(ctx context.Context, organizationID string, id uuid.UUID) (*Entry, error)

	// Query returns a filtered page of entries, newest first, plus the
	// total match count.
	Query(ctx context.Context, filter Filter) ([]*Entry, int, error)

	// ListByOrganization returns the organization's full hot history in
	// timestamp order, for chain verification.
	ListByOrganization(ctx context.Context, organizationID string) ([]*Entry, error)

	// ListOlderThan returns entries whose timestamp is before the
	// cutoff, across organizations, oldest first.
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error)

	// DeleteByIDs removes archived entries from hot storage. Only the
	// archival flow calls this, and only after a confirmed upload.
	DeleteByIDs(ctx context.Context, organizationID string, ids []uuid.UUID) (int64, error)

	// InsertRestored writes previously archived entries back into hot
	// storage, skipping IDs that already exist.
	InsertRestored(ctx context.Context, entries []*Entry) (int64, error)

	// Stats aggregates entry counts by action, resource and user over a
	// time range.
	Stats(ctx context.Context, organizationID string, from, to time.Time) (*Stats, error)
}

// Filter narrows ledger queries. OrganizationID is mandatory; chains
// are tenant-scoped and so is every read path.
type Filter struct {
	OrganizationID string     `validate:"required"`
	UserID         string
	Action         string
	Resource       string
	ResourceID     string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// Stats aggregates an organization's ledger activity over a range.
type Stats struct {
	OrganizationID string         `json:"organization_id"`
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	TotalEntries   int            `json:"total_entries"`
	ByAction       map[string]int `json:"by_action"`
	ByResource     map[string]int `json:"by_resource"`
	TopUsers       []UserActivity `json:"top_users"`
}

// UserActivity is one row of the top-users breakdown.
type UserActivity struct {
	UserID     string `json:"user_id"`
	EntryCount int    `json:"entry_count"`
}
