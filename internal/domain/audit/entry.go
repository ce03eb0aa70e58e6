package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// Entry is a single record in an organization's tamper-evident audit
// ledger. Entries are append-only: once signed they are never mutated,
// only moved to cold storage after the hot-retention window and purged
// after the retention floor.
type Entry struct {
	ID             uuid.UUID              `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Action         string                 `json:"action"`
	Resource       string                 `json:"resource"`
	ResourceID     string                 `json:"resource_id"`
	ResourceName   string                 `json:"resource_name,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	PreviousHash   string                 `json:"previous_hash"`
	Hash           string                 `json:"hash"`
	Timestamp      time.Time              `json:"timestamp"`
}

// EntryInput carries the caller-supplied fields of a new ledger entry.
// ID, timestamp and the hash pair are assigned by NewSignedEntry.
type EntryInput struct {
	OrganizationID string                 `json:"organization_id" validate:"required"`
	UserID         string                 `json:"user_id,omitempty"`
	Action         string                 `json:"action" validate:"required"`
	Resource       string                 `json:"resource" validate:"required"`
	ResourceID     string                 `json:"resource_id" validate:"required"`
	ResourceName   string                 `json:"resource_name,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
}

// Validate checks the structural invariants of a signed entry.
func (e *Entry) Validate() error {
	if e.ID == uuid.Nil {
		return errors.NewValidationError("MISSING_ID", "entry ID is required")
	}
	if e.OrganizationID == "" {
		return errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if e.Action == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if e.Resource == "" {
		return errors.NewValidationError("MISSING_RESOURCE", "resource is required")
	}
	if e.Hash == "" {
		return errors.NewValidationError("ENTRY_NOT_SIGNED", "entry has no computed hash")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	return nil
}

// ComputeEntryHash calculates the SHA-256 hash binding an entry to its
// predecessor. The serialization is canonical: a JSON object whose keys
// are emitted in sorted order and whose timestamp is RFC3339Nano UTC,
// so independent verifiers recompute byte-identical input.
func ComputeEntryHash(e *Entry, previousHash string) (string, error) {
	payload := map[string]interface{}{
		"id":              e.ID.String(),
		"organization_id": e.OrganizationID,
		"user_id":         e.UserID,
		"action":          e.Action,
		"resource":        e.Resource,
		"resource_id":     e.ResourceID,
		"resource_name":   e.ResourceName,
		"details":         e.Details,
		"ip_address":      e.IPAddress,
		"user_agent":      e.UserAgent,
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
		"previous_hash":   previousHash,
	}

	// encoding/json sorts map keys, which gives us the canonical form.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.NewInternalError("failed to serialize entry for hashing").WithCause(err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NewSignedEntry builds a ledger entry from caller input: it assigns a
// fresh ID and UTC timestamp, links the entry to previousHash and
// computes its own hash. The returned entry is final; any later change
// to its fields breaks chain verification.
func NewSignedEntry(input EntryInput, previousHash string) (*Entry, error) {
	if input.OrganizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if input.Action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if input.Resource == "" {
		return nil, errors.NewValidationError("MISSING_RESOURCE", "resource is required")
	}

	details, err := normalizeDetails(input.Details)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:             uuid.New(),
		OrganizationID: input.OrganizationID,
		UserID:         input.UserID,
		Action:         input.Action,
		Resource:       input.Resource,
		ResourceID:     input.ResourceID,
		ResourceName:   input.ResourceName,
		Details:        details,
		IPAddress:      input.IPAddress,
		UserAgent:      input.UserAgent,
		Timestamp:      time.Now().UTC(),
		PreviousHash:   previousHash,
	}

	hash, err := ComputeEntryHash(entry, previousHash)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash

	return entry, nil
}

// normalizeDetails reduces caller-supplied details to plain JSON types
// before the entry is hashed. Structs marshal in declaration order, but
// an entry reloaded from storage carries details as sorted-key maps;
// hashing the normalized form keeps verification stable across the
// round trip.
func normalizeDetails(details map[string]interface{}) (map[string]interface{}, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_DETAILS", "entry details are not JSON-serializable").WithCause(err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, errors.NewInternalError("failed to normalize entry details").WithCause(err)
	}
	return normalized, nil
}

// Clone returns a deep copy of the entry. Verification recomputes hashes
// on copies so the stored entry is never touched.
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}
