package fieldcrypto

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casefolio/casefolio-backend/internal/crypto"
	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/infrastructure/kms"
	auditservice "github.com/casefolio/casefolio-backend/internal/service/audit"
	keyservice "github.com/casefolio/casefolio-backend/internal/service/keys"
	"github.com/casefolio/casefolio-backend/internal/testutil/mocks"
)

func testConfigs() map[string]EntityConfig {
	return map[string]EntityConfig{
		"form_submission": {
			StringFields: []string{"notes"},
			JSONFields:   []string{"answers"},
			Tier2Fields:  []string{"ssn", "diagnosis"},
			Resolver:     DirectFieldResolver{Field: "organization_id"},
		},
		"file": {
			StringFields: []string{"description"},
			Resolver: RelatedRecordResolver{
				ForeignKeyField: "case_id",
				Lookup: func(ctx context.Context, relatedID string) (string, error) {
					if relatedID == "case-known" {
						return "org-1", nil
					}
					return "", errors.NewNotFoundError("case")
				},
			},
		},
	}
}

type codecHarness struct {
	codec   *Codec
	manager *keyservice.Manager
	auditor *auditservice.EnhancedLogger
	repo    *mocks.AuditEntryRepository
}

func newCodecHarness(t *testing.T) *codecHarness {
	t.Helper()

	adapter, err := kms.New(mocks.NewFakeKMSClient(), "alias/test-master")
	require.NoError(t, err)
	manager, err := keyservice.NewManager(mocks.NewKeyRecordRepository(), adapter, keyservice.ManagerConfig{
		CacheTTL: time.Minute,
		Clock:    clockwork.NewFakeClock(),
	}, zap.NewNop())
	require.NoError(t, err)

	repo := mocks.NewAuditEntryRepository()
	signer, err := domainaudit.NewProofSigner([]byte("test-proof-secret"))
	require.NoError(t, err)
	svc, err := auditservice.NewService(repo, signer, nil, zap.NewNop())
	require.NoError(t, err)
	auditor, err := auditservice.NewEnhancedLogger(svc)
	require.NoError(t, err)

	codec, err := NewCodec(testConfigs(), manager, auditor, zap.NewNop())
	require.NoError(t, err)

	return &codecHarness{codec: codec, manager: manager, auditor: auditor, repo: repo}
}

func TestNewCodecRejectsTierOverlap(t *testing.T) {
	h := newCodecHarness(t)

	configs := map[string]EntityConfig{
		"bad": {
			StringFields: []string{"ssn"},
			Tier2Fields:  []string{"ssn"},
			Resolver:     DirectFieldResolver{Field: "organization_id"},
		},
	}
	_, err := NewCodec(configs, h.manager, h.auditor, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEncryptDecryptForOrg(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	encrypted, err := h.codec.EncryptForOrg(ctx, "org-1", "confidential notes")
	require.NoError(t, err)
	assert.True(t, crypto.IsTier1(encrypted))

	// Re-encrypting ciphertext is a no-op.
	again, err := h.codec.EncryptForOrg(ctx, "org-1", encrypted)
	require.NoError(t, err)
	assert.Equal(t, encrypted, again)

	plain, err := h.codec.DecryptForOrg(ctx, "org-1", encrypted)
	require.NoError(t, err)
	assert.Equal(t, "confidential notes", plain)
}

func TestDecryptForOrgRefusesTier2(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	encrypted, err := h.codec.EncryptTier2(ctx, "org-1", "000-11-2222")
	require.NoError(t, err)

	_, err = h.codec.DecryptForOrg(ctx, "org-1", encrypted)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestDecryptForOrgPlaintextPassthrough(t *testing.T) {
	h := newCodecHarness(t)

	out, err := h.codec.DecryptForOrg(context.Background(), "org-1", "legacy plaintext")
	require.NoError(t, err)
	assert.Equal(t, "legacy plaintext", out)
}

func TestCrossOrgDecryptFails(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	encrypted, err := h.codec.EncryptForOrg(ctx, "org-a", "org-a data")
	require.NoError(t, err)

	_, err = h.codec.DecryptForOrg(ctx, "org-b", encrypted)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCrypto))
}

func TestEncryptJSONRoundTrip(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	payload := map[string]interface{}{"q1": "yes", "q2": float64(3)}
	encrypted, err := h.codec.EncryptJSONForOrg(ctx, "org-1", payload)
	require.NoError(t, err)
	assert.True(t, crypto.IsTier1(encrypted))

	var out map[string]interface{}
	require.NoError(t, h.codec.DecryptJSONForOrg(ctx, "org-1", encrypted, &out))
	assert.Equal(t, payload, out)
}

func TestEncryptEntityInPlace(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	record := map[string]interface{}{
		"organization_id": "org-1",
		"notes":           "intake summary",
		"answers":         map[string]interface{}{"q1": "yes"},
		"ssn":             "000-11-2222",
		"untouched":       "stays",
	}
	require.NoError(t, h.codec.EncryptEntity(ctx, "form_submission", record))

	assert.True(t, crypto.IsTier1(record["notes"].(string)))
	assert.True(t, crypto.IsTier1(record["answers"].(string)))
	// Tier-2 fields are not part of the transparent pass.
	assert.Equal(t, "000-11-2222", record["ssn"])
	assert.Equal(t, "stays", record["untouched"])

	require.NoError(t, h.codec.DecryptEntity(ctx, "form_submission", record))
	assert.Equal(t, "intake summary", record["notes"])
	assert.Equal(t, map[string]interface{}{"q1": "yes"}, record["answers"])
}

func TestEncryptEntityUnknownTypeIsNoop(t *testing.T) {
	h := newCodecHarness(t)

	record := map[string]interface{}{"notes": "plain"}
	require.NoError(t, h.codec.EncryptEntity(context.Background(), "unknown_entity", record))
	assert.Equal(t, "plain", record["notes"])
}

func TestEncryptEntityUnresolvedOrgIsLoud(t *testing.T) {
	h := newCodecHarness(t)

	record := map[string]interface{}{"notes": "plain"}
	err := h.codec.EncryptEntity(context.Background(), "form_submission", record)
	assert.ErrorIs(t, err, ErrOrgUnresolved)
	// Fields were left untouched, not silently encrypted under a guess.
	assert.Equal(t, "plain", record["notes"])
}

func TestRelatedRecordResolver(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	record := map[string]interface{}{
		"case_id":     "case-known",
		"description": "medical history scan",
	}
	require.NoError(t, h.codec.EncryptEntity(ctx, "file", record))
	assert.True(t, crypto.IsTier1(record["description"].(string)))

	missing := map[string]interface{}{
		"case_id":     "case-missing",
		"description": "plain",
	}
	err := h.codec.EncryptEntity(ctx, "file", missing)
	assert.ErrorIs(t, err, ErrOrgUnresolved)
}

func TestEncryptEntityRowsAbortsOnRowError(t *testing.T) {
	h := newCodecHarness(t)

	rows := []map[string]interface{}{
		{"organization_id": "org-1", "notes": "first"},
		{"notes": "no org"},
		{"organization_id": "org-1", "notes": "third"},
	}
	err := h.codec.EncryptEntityRows(context.Background(), "form_submission", rows)
	require.Error(t, err)

	assert.True(t, crypto.IsTier1(rows[0]["notes"].(string)))
	assert.Equal(t, "no org", rows[1]["notes"])
	assert.Equal(t, "third", rows[2]["notes"])
}

func TestDecryptEntityLeavesUndecryptableFields(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	foreign, err := h.codec.EncryptForOrg(ctx, "org-other", "foreign data")
	require.NoError(t, err)

	record := map[string]interface{}{
		"organization_id": "org-1",
		"notes":           foreign,
	}
	// Read succeeds; the field stays ciphertext.
	require.NoError(t, h.codec.DecryptEntity(ctx, "form_submission", record))
	assert.Equal(t, foreign, record["notes"])
}

func TestDecryptEntityUnresolvedOrgLeavesCiphertext(t *testing.T) {
	h := newCodecHarness(t)
	ctx := context.Background()

	encrypted, err := h.codec.EncryptForOrg(ctx, "org-1", "data")
	require.NoError(t, err)

	record := map[string]interface{}{"notes": encrypted}
	require.NoError(t, h.codec.DecryptEntity(ctx, "form_submission", record))
	assert.Equal(t, encrypted, record["notes"])
}
