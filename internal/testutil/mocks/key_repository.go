package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/domain/keys"
)

// KeyRecordRepository is an in-memory DEK metadata store enforcing the
// single-active-record invariant the database version enforces with a
// partial unique index.
type KeyRecordRepository struct {
	mu      sync.Mutex
	records map[string][]*keys.KeyRecord // organization -> version order
}

// NewKeyRecordRepository creates an empty store.
func NewKeyRecordRepository() *KeyRecordRepository {
	return &KeyRecordRepository{records: make(map[string][]*keys.KeyRecord)}
}

func (r *KeyRecordRepository) GetActive(ctx context.Context, organizationID string) (*keys.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records[organizationID] {
		if record.IsActive {
			clone := *record
			return &clone, nil
		}
	}
	return nil, errors.ErrKeyRecordNotFound
}

func (r *KeyRecordRepository) GetByVersion(ctx context.Context, organizationID string, version int) (*keys.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records[organizationID] {
		if record.KeyVersion == version {
			clone := *record
			return &clone, nil
		}
	}
	return nil, errors.ErrKeyRecordNotFound
}

func (r *KeyRecordRepository) CreateActive(ctx context.Context, record *keys.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if !record.IsActive {
		return errors.NewValidationError("INACTIVE_KEY", "new key record must be active")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records[record.OrganizationID] {
		if existing.IsActive {
			return errors.NewConflictError("ACTIVE_KEY_EXISTS", "organization already has an active key")
		}
		if existing.KeyVersion == record.KeyVersion {
			return errors.NewConflictError("DUPLICATE_KEY_VERSION", "key version already exists")
		}
	}

	clone := *record
	r.records[record.OrganizationID] = append(r.records[record.OrganizationID], &clone)
	return nil
}

func (r *KeyRecordRepository) Rotate(ctx context.Context, record *keys.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range r.records[record.OrganizationID] {
		if existing.KeyVersion == record.KeyVersion {
			return errors.NewConflictError("DUPLICATE_KEY_VERSION", "key version already exists")
		}
	}
	for _, existing := range r.records[record.OrganizationID] {
		if existing.IsActive {
			existing.IsActive = false
			existing.RotatedAt = &now
		}
	}

	clone := *record
	clone.IsActive = true
	r.records[record.OrganizationID] = append(r.records[record.OrganizationID], &clone)
	return nil
}

func (r *KeyRecordRepository) NextVersion(ctx context.Context, organizationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := 0
	for _, record := range r.records[organizationID] {
		if record.KeyVersion > max {
			max = record.KeyVersion
		}
	}
	return max + 1, nil
}

// Versions lists an organization's stored versions in insert order.
func (r *KeyRecordRepository) Versions(organizationID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.records[organizationID]))
	for _, record := range r.records[organizationID] {
		out = append(out, record.KeyVersion)
	}
	return out
}
