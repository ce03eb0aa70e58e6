// Package keys manages the per-organization data encryption key
// lifecycle: creation, TTL-cached unwrapping, rotation, and access to
// historical versions for decrypting old ciphertext.
package keys

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	domainkeys "github.com/casefolio/casefolio-backend/internal/domain/keys"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/kms"
)

// KeyService is the envelope-operations surface the manager needs from
// the external master-key service.
type KeyService interface {
	GenerateDataKey(ctx context.Context) (*kms.DataKey, error)
	Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error)
}

// ManagerConfig tunes the key manager.
type ManagerConfig struct {
	CacheTTL time.Duration
	// Clock is injected in tests to drive TTL expiry deterministically.
	Clock clockwork.Clock
}

// Manager owns DEK lifecycle for all organizations. When the key
// service is nil the manager can only mint local dev keys, and only in
// non-production builds.
type Manager struct {
	records    domainkeys.KeyRecordRepository
	keyService KeyService
	cache      *dekCache
	logger     *zap.Logger
}

// NewManager creates a key manager.
func NewManager(records domainkeys.KeyRecordRepository, keyService KeyService, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if records == nil {
		return nil, errors.NewValidationError("MISSING_KEY_REPOSITORY", "key record repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records:    records,
		keyService: keyService,
		cache:      newDEKCache(cfg.CacheTTL, cfg.Clock),
		logger:     logger,
	}, nil
}

// GetOrCreateOrgDEK returns the organization's active DEK, minting a
// first version if none exists. Unwrapped material is cached for the
// configured TTL.
func (m *Manager) GetOrCreateOrgDEK(ctx context.Context, organizationID string) (*domainkeys.DEK, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	if dek, ok := m.cache.get(organizationID); ok {
		return dek, nil
	}

	record, err := m.records.GetActive(ctx, organizationID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return m.CreateOrgDEK(ctx, organizationID)
		}
		return nil, err
	}

	dek, err := m.unwrapRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	m.cache.put(organizationID, dek)
	return dek, nil
}

// CreateOrgDEK mints a new DEK version and persists it as active. With
// a configured key service the DEK is generated and wrapped remotely;
// without one, a local-random fallback applies in non-production builds
// only.
func (m *Manager) CreateOrgDEK(ctx context.Context, organizationID string) (*domainkeys.DEK, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	version, err := m.records.NextVersion(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	record, material, err := m.mintKey(ctx, organizationID, version)
	if err != nil {
		return nil, err
	}

	if version == 1 {
		err = m.records.CreateActive(ctx, record)
	} else {
		err = m.records.Rotate(ctx, record)
	}
	if err != nil {
		return nil, err
	}

	dek, err := domainkeys.NewDEK(organizationID, version, material)
	if err != nil {
		return nil, err
	}

	m.cache.put(organizationID, dek)
	m.logger.Info("created organization DEK",
		zap.String("organization_id", organizationID),
		zap.Int("key_version", version),
		zap.String("kind", string(record.Kind)))

	return dek, nil
}

// RotateOrgDEK creates a new active version, marks the previous version
// inactive with a rotation timestamp, and drops the cache entry.
// Existing ciphertext is left alone; re-encryption is a deferred
// background job, not part of rotation.
func (m *Manager) RotateOrgDEK(ctx context.Context, organizationID string) (*domainkeys.DEK, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	// Rotation of a never-keyed organization is just creation.
	if _, err := m.records.GetActive(ctx, organizationID); err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return m.CreateOrgDEK(ctx, organizationID)
		}
		return nil, err
	}

	version, err := m.records.NextVersion(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	record, material, err := m.mintKey(ctx, organizationID, version)
	if err != nil {
		return nil, err
	}

	if err := m.records.Rotate(ctx, record); err != nil {
		return nil, err
	}

	m.cache.invalidate(organizationID)

	dek, err := domainkeys.NewDEK(organizationID, version, material)
	if err != nil {
		return nil, err
	}
	m.cache.put(organizationID, dek)

	m.logger.Info("rotated organization DEK",
		zap.String("organization_id", organizationID),
		zap.Int("key_version", version))

	return dek, nil
}

// GetOrgDEKByVersion unwraps a specific historical version, needed to
// decrypt data written before a rotation. Historical versions are not
// cached; reads of old ciphertext are rare.
func (m *Manager) GetOrgDEKByVersion(ctx context.Context, organizationID string, version int) (*domainkeys.DEK, error) {
	record, err := m.records.GetByVersion(ctx, organizationID, version)
	if err != nil {
		return nil, err
	}
	return m.unwrapRecord(ctx, record)
}

// InvalidateOrg drops one organization's cached DEK.
func (m *Manager) InvalidateOrg(organizationID string) {
	m.cache.invalidate(organizationID)
}

// ClearCache drops every cached DEK. Used by tests and forced rotation.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

func (m *Manager) mintKey(ctx context.Context, organizationID string, version int) (*domainkeys.KeyRecord, []byte, error) {
	now := time.Now().UTC()

	if m.keyService != nil {
		dataKey, err := m.keyService.GenerateDataKey(ctx)
		if err != nil {
			return nil, nil, err
		}
		record := &domainkeys.KeyRecord{
			OrganizationID: organizationID,
			KeyVersion:     version,
			Kind:           domainkeys.DEKKindWrapped,
			EncryptedDEK:   dataKey.Wrapped,
			IsActive:       true,
			CreatedAt:      now,
		}
		return record, dataKey.Plaintext, nil
	}

	// No key service configured: build-gated local fallback.
	material, err := mintLocalDEK()
	if err != nil {
		return nil, nil, err
	}
	record := &domainkeys.KeyRecord{
		OrganizationID: organizationID,
		KeyVersion:     version,
		Kind:           domainkeys.DEKKindDevPlaintext,
		EncryptedDEK:   material,
		IsActive:       true,
		CreatedAt:      now,
	}
	return record, material, nil
}

func (m *Manager) unwrapRecord(ctx context.Context, record *domainkeys.KeyRecord) (*domainkeys.DEK, error) {
	switch record.Kind {
	case domainkeys.DEKKindWrapped:
		if m.keyService == nil {
			return nil, errors.NewUnavailableError("key service", "wrapped DEK requires a configured key service")
		}
		material, err := m.keyService.Unwrap(ctx, record.EncryptedDEK)
		if err != nil {
			return nil, err
		}
		return domainkeys.NewDEK(record.OrganizationID, record.KeyVersion, material)
	case domainkeys.DEKKindDevPlaintext:
		return unwrapDevRecord(record)
	default:
		return nil, errors.NewInternalError("unknown DEK kind in key record")
	}
}
