package fieldcrypto

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casefolio/casefolio-backend/internal/crypto"
	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

var tier2AccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "casefolio_fieldcrypto_tier2_access_total",
	Help: "Audited tier-2 decrypt requests, by success.",
}, []string{"success"})

// AccessAuditor records every Tier-2 access on the ledger. The append
// is synchronous: DecryptTier2 does not return plaintext until the
// entry is durably written.
type AccessAuditor interface {
	LogPHIAccess(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error)
}

// AccessContext carries the request attribution attached to a Tier-2
// decrypt's audit entry.
type AccessContext struct {
	EntityType string
	Field      string
	ResourceID string
	IPAddress  string
	UserAgent  string
	// KeyVersion selects a historical DEK; zero means the active key.
	KeyVersion int
	Extra      map[string]interface{}
}

// Tier2Result pairs recovered plaintext with the audit entry that
// recorded the access. AuditID is always set on success.
type Tier2Result struct {
	Data    string
	AuditID uuid.UUID
}

// EncryptTier2 encrypts a high-sensitivity value under the
// organization's active DEK with the Tier-2 prefix.
func (c *Codec) EncryptTier2(ctx context.Context, organizationID, value string) (string, error) {
	if value == "" || crypto.IsTier2(value) {
		return value, nil
	}
	dek, err := c.keys.GetOrCreateOrgDEK(ctx, organizationID)
	if err != nil {
		return "", err
	}
	return crypto.EncryptTier2(value, dek.Material())
}

// EncryptTier2Fields encrypts the configured Tier-2 fields of a record
// in place.
func (c *Codec) EncryptTier2Fields(ctx context.Context, entityType string, record map[string]interface{}) error {
	cfg, ok := c.configs[entityType]
	if !ok {
		return nil
	}

	orgID, err := cfg.Resolver.ResolveOrg(ctx, record)
	if err != nil || orgID == "" {
		return ErrOrgUnresolved
	}

	for _, field := range cfg.Tier2Fields {
		raw, ok := record[field].(string)
		if !ok || raw == "" || crypto.IsTier2(raw) {
			continue
		}
		enc, err := c.EncryptTier2(ctx, orgID, raw)
		if err != nil {
			return err
		}
		record[field] = enc
	}
	return nil
}

// DecryptTier2 is the only sanctioned path to Tier-2 plaintext. It
// requires a non-empty user and purpose, and it appends exactly one
// audit entry per invocation (empty input, migration passthrough,
// success and failure alike) before control returns to the caller.
func (c *Codec) DecryptTier2(ctx context.Context, organizationID, value, userID, purpose string, access AccessContext) (*Tier2Result, error) {
	if userID == "" {
		return nil, errors.NewValidationError("MISSING_USER", "tier-2 decrypt requires a user ID")
	}
	if purpose == "" {
		return nil, errors.NewValidationError("MISSING_PURPOSE", "tier-2 decrypt requires an access purpose")
	}
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	// Empty input still leaves an audit trail: the caller asked for
	// sensitive data even if there was nothing stored.
	if value == "" {
		auditID, err := c.recordAccess(ctx, organizationID, userID, purpose, access, true, "empty value")
		if err != nil {
			return nil, err
		}
		return &Tier2Result{Data: "", AuditID: auditID}, nil
	}

	// Legacy plaintext or Tier-1 ciphertext: migration passthrough,
	// returned unchanged but still audited.
	if !crypto.IsTier2(value) {
		auditID, err := c.recordAccess(ctx, organizationID, userID, purpose, access, true, "not tier-2 encrypted")
		if err != nil {
			return nil, err
		}
		return &Tier2Result{Data: value, AuditID: auditID}, nil
	}

	dek, err := c.tier2DEK(ctx, organizationID, access.KeyVersion)
	if err != nil {
		if _, auditErr := c.recordAccess(ctx, organizationID, userID, purpose, access, false, "key unavailable: "+err.Error()); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	plaintext, err := crypto.Decrypt(value, dek.Material())
	if err != nil {
		if _, auditErr := c.recordAccess(ctx, organizationID, userID, purpose, access, false, "decrypt failed: "+err.Error()); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	auditID, err := c.recordAccess(ctx, organizationID, userID, purpose, access, true, "")
	if err != nil {
		// No audit entry, no plaintext.
		return nil, err
	}

	return &Tier2Result{Data: plaintext, AuditID: auditID}, nil
}

// DecryptTier2Fields decrypts the configured Tier-2 fields of a record
// in place and returns the audit IDs per field.
func (c *Codec) DecryptTier2Fields(ctx context.Context, entityType string, record map[string]interface{}, userID, purpose string, access AccessContext) (map[string]uuid.UUID, error) {
	cfg, ok := c.configs[entityType]
	if !ok {
		return map[string]uuid.UUID{}, nil
	}

	orgID, err := cfg.Resolver.ResolveOrg(ctx, record)
	if err != nil || orgID == "" {
		return nil, ErrOrgUnresolved
	}

	auditIDs := make(map[string]uuid.UUID, len(cfg.Tier2Fields))
	for _, field := range cfg.Tier2Fields {
		raw, ok := record[field].(string)
		if !ok {
			continue
		}
		fieldAccess := access
		fieldAccess.EntityType = entityType
		fieldAccess.Field = field
		result, err := c.DecryptTier2(ctx, orgID, raw, userID, purpose, fieldAccess)
		if err != nil {
			return auditIDs, err
		}
		record[field] = result.Data
		auditIDs[field] = result.AuditID
	}
	return auditIDs, nil
}

// MaskTier2Field returns the fixed redaction string for one field.
// Response paths that must not expose Tier-2 plaintext (list views,
// logs, exports) render this instead.
func MaskTier2Field(entityType, field string) string {
	return fmt.Sprintf("[PROTECTED:%s.%s]", entityType, field)
}

// MaskTier2Fields replaces every configured Tier-2 field of a record
// with its redaction string.
func (c *Codec) MaskTier2Fields(entityType string, record map[string]interface{}) {
	cfg, ok := c.configs[entityType]
	if !ok {
		return
	}
	for _, field := range cfg.Tier2Fields {
		if _, present := record[field]; present {
			record[field] = MaskTier2Field(entityType, field)
		}
	}
}

// MigrateTier2Field upgrades legacy plaintext or Tier-1 ciphertext to
// Tier-2 by decrypt-then-re-encrypt under the active DEK.
func (c *Codec) MigrateTier2Field(ctx context.Context, organizationID, value string) (string, error) {
	if value == "" || crypto.IsTier2(value) {
		return value, nil
	}

	plaintext := value
	if crypto.IsTier1(value) {
		dek, err := c.keys.GetOrCreateOrgDEK(ctx, organizationID)
		if err != nil {
			return "", err
		}
		plaintext, err = crypto.Decrypt(value, dek.Material())
		if err != nil {
			return "", err
		}
	}

	return c.EncryptTier2(ctx, organizationID, plaintext)
}

func (c *Codec) tier2DEK(ctx context.Context, organizationID string, version int) (dek interface{ Material() []byte }, err error) {
	if version > 0 {
		return c.keys.GetOrgDEKByVersion(ctx, organizationID, version)
	}
	return c.keys.GetOrCreateOrgDEK(ctx, organizationID)
}

func (c *Codec) recordAccess(ctx context.Context, organizationID, userID, purpose string, access AccessContext, success bool, note string) (uuid.UUID, error) {
	details := map[string]interface{}{
		"purpose": purpose,
		"success": success,
	}
	if access.EntityType != "" {
		details["entity_type"] = access.EntityType
	}
	if access.Field != "" {
		details["field"] = access.Field
	}
	if note != "" {
		details["note"] = note
	}
	for k, v := range access.Extra {
		details[k] = v
	}

	resource := access.EntityType
	if resource == "" {
		resource = "sensitive_field"
	}
	resourceID := access.ResourceID
	if resourceID == "" {
		resourceID = "unspecified"
	}

	entry, err := c.auditor.LogPHIAccess(ctx, domainaudit.EntryInput{
		OrganizationID: organizationID,
		UserID:         userID,
		Action:         domainaudit.ActionDecryptTier2,
		Resource:       resource,
		ResourceID:     resourceID,
		Details:        details,
		IPAddress:      access.IPAddress,
		UserAgent:      access.UserAgent,
	})
	if err != nil {
		return uuid.Nil, errors.NewInternalError("tier-2 access audit append failed").WithCause(err)
	}
	tier2AccessTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	return entry.ID, nil
}
