// Package compliance generates tamper-evident compliance reports over
// the audit ledger and exports them for auditors.
package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// ReportType selects which builder produces the report body.
type ReportType string

const (
	ReportActivitySummary ReportType = "activity_summary"
	ReportDataAccess      ReportType = "data_access"
	ReportUserActivity    ReportType = "user_activity"
	ReportFormSubmissions ReportType = "form_submissions"
	ReportFileAudit       ReportType = "file_audit"
	ReportChainIntegrity  ReportType = "chain_integrity"
)

var reportTypes = map[ReportType]bool{
	ReportActivitySummary: true,
	ReportDataAccess:      true,
	ReportUserActivity:    true,
	ReportFormSubmissions: true,
	ReportFileAudit:       true,
	ReportChainIntegrity:  true,
}

// ValidReportType reports whether t names a known builder.
func ValidReportType(t ReportType) bool {
	return reportTypes[t]
}

// Report is a persisted compliance report. Hash covers the canonical
// JSON serialization of Data so post-generation edits are detectable.
type Report struct {
	ID             uuid.UUID              `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	Type           ReportType             `json:"type"`
	From           time.Time              `json:"from"`
	To             time.Time              `json:"to"`
	GeneratedBy    string                 `json:"generated_by"`
	GeneratedAt    time.Time              `json:"generated_at"`
	Data           map[string]interface{} `json:"data"`
	Hash           string                 `json:"hash"`
}

// ReportRepository persists generated reports.
type ReportRepository interface {
	Create(ctx context.Context, report *Report) error
	GetByID(ctx context.Context, organizationID string, id uuid.UUID) (*Report, error)
	ListByOrganization(ctx context.Context, organizationID string, limit, offset int) ([]*Report, error)
}

// UserDirectory resolves user IDs to display names for report bodies.
// The directory lives outside this system; lookups that fail fall back
// to the raw ID.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// HashReportData computes the SHA-256 hex digest of the canonical JSON
// serialization of a report body. encoding/json sorts map keys, which
// gives a stable byte sequence for equal data.
func HashReportData(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewInternalError("failed to serialize report data").WithCause(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalizeReportData reduces a report body to plain JSON types
// (maps, slices, strings, float64, bool). Structs and typed maps
// marshal in declaration order, but a body reloaded from JSONB comes
// back as sorted-key maps; hashing the canonical form makes the digest
// survive the persistence round trip.
func CanonicalizeReportData(data map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.NewInternalError("failed to serialize report data").WithCause(err)
	}
	var canonical map[string]interface{}
	if err := json.Unmarshal(raw, &canonical); err != nil {
		return nil, errors.NewInternalError("failed to canonicalize report data").WithCause(err)
	}
	return canonical, nil
}
