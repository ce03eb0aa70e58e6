package keys

import "context"

// KeyRecordRepository is the store contract for DEK metadata.
// Invariant: at most one active record per organization. Rotate swaps
// the active version atomically; nothing ever deletes a record.
type KeyRecordRepository interface {
	// GetActive returns the organization's active key record, or a
	// not-found error if no DEK was ever created.
	GetActive(ctx context.Context, organizationID string) (*KeyRecord, error)

	// GetByVersion returns a specific historical version.
	GetByVersion(ctx context.Context, organizationID string, version int) (*KeyRecord, error)

	// CreateActive persists a brand-new active record for an
	// organization with no prior key. Fails with a conflict error if an
	// active record already exists.
	CreateActive(ctx context.Context, record *KeyRecord) error

	// Rotate, in one transaction, marks the current active record
	// inactive with a rotation timestamp and inserts the new record as
	// active.
	Rotate(ctx context.Context, record *KeyRecord) error

	// NextVersion returns the next monotonic key version for the
	// organization (1 for a first key).
	NextVersion(ctx context.Context, organizationID string) (int, error)
}
