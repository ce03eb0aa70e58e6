// Package fieldcrypto implements the two-tier field-encryption codec.
// Tier 1 fields are encrypted transparently at the repository call
// site; Tier 2 fields are high-sensitivity and every decrypt is gated
// through a mandatory, synchronous audit append.
package fieldcrypto

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/casefolio/casefolio-backend/internal/crypto"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	domainkeys "github.com/casefolio/casefolio-backend/internal/domain/keys"
)

var scopeUnresolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "casefolio_fieldcrypto_scope_unresolved_total",
	Help: "Records whose organization scope could not be resolved, by entity type and operation.",
}, []string{"entity_type", "op"})

// OrgScopeResolver resolves the organization owning an entity record.
// Resolvers are registered per entity type at configuration time; there
// is no implicit traversal of related records.
type OrgScopeResolver interface {
	ResolveOrg(ctx context.Context, record map[string]interface{}) (string, error)
}

// DirectFieldResolver reads the organization ID from a field on the
// record itself.
type DirectFieldResolver struct {
	Field string
}

// ResolveOrg implements OrgScopeResolver.
func (r DirectFieldResolver) ResolveOrg(_ context.Context, record map[string]interface{}) (string, error) {
	v, ok := record[r.Field]
	if !ok {
		return "", errors.NewValidationError("ORG_UNRESOLVED", "record has no organization field")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewValidationError("ORG_UNRESOLVED", "organization field is empty")
	}
	return s, nil
}

// RelatedRecordResolver resolves the organization through a named
// related entity, using a lookup function registered at wiring time.
type RelatedRecordResolver struct {
	// ForeignKeyField holds the related record's ID on this record.
	ForeignKeyField string
	// Lookup maps the related record's ID to its organization.
	Lookup func(ctx context.Context, relatedID string) (string, error)
}

// ResolveOrg implements OrgScopeResolver.
func (r RelatedRecordResolver) ResolveOrg(ctx context.Context, record map[string]interface{}) (string, error) {
	v, ok := record[r.ForeignKeyField]
	if !ok {
		return "", errors.NewValidationError("ORG_UNRESOLVED", "record has no related-entity field")
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", errors.NewValidationError("ORG_UNRESOLVED", "related-entity field is empty")
	}
	if r.Lookup == nil {
		return "", errors.NewInternalError("related-record resolver has no lookup")
	}
	return r.Lookup(ctx, id)
}

// EntityConfig declares which fields of an entity type are protected
// and how its organization scope is resolved. Tier-1 and Tier-2 field
// sets must be disjoint.
type EntityConfig struct {
	StringFields []string
	JSONFields   []string
	Tier2Fields  []string
	Resolver     OrgScopeResolver
}

// DEKProvider is the key-manager surface the codec needs.
type DEKProvider interface {
	GetOrCreateOrgDEK(ctx context.Context, organizationID string) (*domainkeys.DEK, error)
	GetOrgDEKByVersion(ctx context.Context, organizationID string, version int) (*domainkeys.DEK, error)
}

// Codec encrypts and decrypts configured entity fields.
type Codec struct {
	configs map[string]EntityConfig
	keys    DEKProvider
	auditor AccessAuditor
	logger  *zap.Logger
}

// NewCodec builds a codec from per-entity configuration. The auditor
// is mandatory: without it no Tier-2 decrypt path exists.
func NewCodec(configs map[string]EntityConfig, keys DEKProvider, auditor AccessAuditor, logger *zap.Logger) (*Codec, error) {
	if keys == nil {
		return nil, errors.NewValidationError("MISSING_KEY_PROVIDER", "DEK provider is required")
	}
	if auditor == nil {
		return nil, errors.NewValidationError("MISSING_AUDITOR", "access auditor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for entity, cfg := range configs {
		if cfg.Resolver == nil {
			return nil, errors.NewValidationError("MISSING_RESOLVER", "entity "+entity+" has no organization resolver")
		}
		tier2 := make(map[string]bool, len(cfg.Tier2Fields))
		for _, f := range cfg.Tier2Fields {
			tier2[f] = true
		}
		for _, f := range append(append([]string{}, cfg.StringFields...), cfg.JSONFields...) {
			if tier2[f] {
				return nil, errors.NewValidationError("TIER_OVERLAP", "field "+f+" of "+entity+" is in both tiers")
			}
		}
	}
	return &Codec{configs: configs, keys: keys, auditor: auditor, logger: logger}, nil
}

// EncryptForOrg encrypts a single value under the organization's
// active DEK with the Tier-1 prefix. Already encrypted values pass
// through unchanged.
func (c *Codec) EncryptForOrg(ctx context.Context, organizationID, value string) (string, error) {
	if value == "" || crypto.IsEncrypted(value) {
		return value, nil
	}
	dek, err := c.keys.GetOrCreateOrgDEK(ctx, organizationID)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(value, dek.Material())
}

// DecryptForOrg decrypts a Tier-1 value. Plaintext passes through;
// Tier-2 values are refused, they must go through DecryptTier2.
func (c *Codec) DecryptForOrg(ctx context.Context, organizationID, value string) (string, error) {
	if crypto.IsTier2(value) {
		return "", errors.NewForbiddenError("tier-2 values require the audited decrypt path")
	}
	if !crypto.IsTier1(value) {
		return value, nil
	}
	dek, err := c.keys.GetOrCreateOrgDEK(ctx, organizationID)
	if err != nil {
		return "", err
	}
	return crypto.Decrypt(value, dek.Material())
}

// EncryptJSONForOrg serializes v to JSON and encrypts it as a Tier-1
// value.
func (c *Codec) EncryptJSONForOrg(ctx context.Context, organizationID string, v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.NewValidationError("UNSERIALIZABLE_VALUE", "value cannot be serialized to JSON").WithCause(err)
	}
	return c.EncryptForOrg(ctx, organizationID, string(raw))
}

// DecryptJSONForOrg decrypts a Tier-1 JSON value into out.
func (c *Codec) DecryptJSONForOrg(ctx context.Context, organizationID, value string, out interface{}) error {
	plain, err := c.DecryptForOrg(ctx, organizationID, value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plain), out); err != nil {
		return errors.NewValidationError("MALFORMED_JSON_FIELD", "decrypted value is not valid JSON").WithCause(err)
	}
	return nil
}

// ErrOrgUnresolved marks a write whose organization could not be
// resolved. Encryption was skipped and the caller must decide whether
// storing plaintext is acceptable.
var ErrOrgUnresolved = errors.NewBusinessError("ORG_UNRESOLVED",
	"organization scope unresolved; fields were not encrypted")

// EncryptEntity encrypts the configured Tier-1 fields of one record in
// place. Unresolved organization scope skips encryption and returns
// ErrOrgUnresolved loudly; fields already encrypted are untouched.
func (c *Codec) EncryptEntity(ctx context.Context, entityType string, record map[string]interface{}) error {
	cfg, ok := c.configs[entityType]
	if !ok {
		return nil
	}

	orgID, err := cfg.Resolver.ResolveOrg(ctx, record)
	if err != nil || orgID == "" {
		scopeUnresolvedTotal.WithLabelValues(entityType, "encrypt").Inc()
		c.logger.Warn("organization scope unresolved, skipping field encryption",
			zap.String("entity_type", entityType),
			zap.Error(err))
		return ErrOrgUnresolved
	}

	dek, err := c.keys.GetOrCreateOrgDEK(ctx, orgID)
	if err != nil {
		return err
	}

	for _, field := range cfg.StringFields {
		raw, ok := record[field].(string)
		if !ok || raw == "" || crypto.IsEncrypted(raw) {
			continue
		}
		enc, err := crypto.Encrypt(raw, dek.Material())
		if err != nil {
			return err
		}
		record[field] = enc
	}

	for _, field := range cfg.JSONFields {
		v, ok := record[field]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && crypto.IsEncrypted(s) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.NewValidationError("UNSERIALIZABLE_VALUE", "JSON field cannot be serialized").WithCause(err)
		}
		enc, err := crypto.Encrypt(string(raw), dek.Material())
		if err != nil {
			return err
		}
		record[field] = enc
	}

	return nil
}

// EncryptEntityRows is the only path for multi-row writes: every row
// is encrypted individually, and a row error aborts the batch so
// partial encryption is never silent.
func (c *Codec) EncryptEntityRows(ctx context.Context, entityType string, records []map[string]interface{}) error {
	for i, record := range records {
		if err := c.EncryptEntity(ctx, entityType, record); err != nil {
			return errors.Wrap(err, "row "+strconv.Itoa(i))
		}
	}
	return nil
}

// DecryptEntity decrypts the Tier-1 fields of a loaded record in
// place. A field that fails to decrypt is logged and left encrypted;
// the record read still succeeds. If the organization cannot be
// resolved from the record, every field stays encrypted rather than
// risking a cross-tenant key.
func (c *Codec) DecryptEntity(ctx context.Context, entityType string, record map[string]interface{}) error {
	cfg, ok := c.configs[entityType]
	if !ok {
		return nil
	}

	orgID, err := cfg.Resolver.ResolveOrg(ctx, record)
	if err != nil || orgID == "" {
		scopeUnresolvedTotal.WithLabelValues(entityType, "decrypt").Inc()
		c.logger.Warn("organization scope unresolved on read, leaving fields encrypted",
			zap.String("entity_type", entityType))
		return nil
	}

	dek, err := c.keys.GetOrCreateOrgDEK(ctx, orgID)
	if err != nil {
		return err
	}

	for _, field := range cfg.StringFields {
		raw, ok := record[field].(string)
		if !ok || !crypto.IsTier1(raw) {
			continue
		}
		plain, err := crypto.Decrypt(raw, dek.Material())
		if err != nil {
			c.logger.Error("field decrypt failed, leaving ciphertext in place",
				zap.String("entity_type", entityType),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		record[field] = plain
	}

	for _, field := range cfg.JSONFields {
		raw, ok := record[field].(string)
		if !ok || !crypto.IsTier1(raw) {
			continue
		}
		plain, err := crypto.Decrypt(raw, dek.Material())
		if err != nil {
			c.logger.Error("JSON field decrypt failed, leaving ciphertext in place",
				zap.String("entity_type", entityType),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(plain), &decoded); err != nil {
			c.logger.Error("decrypted JSON field is malformed",
				zap.String("entity_type", entityType),
				zap.String("field", field))
			continue
		}
		record[field] = decoded
	}

	return nil
}
