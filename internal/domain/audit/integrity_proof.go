package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// IntegrityProof is a self-contained export of one entry's key fields,
// signed with HMAC-SHA256 so a holder of the proof secret can verify it
// out of band. A bare hash would only catch accidental corruption; the
// keyed signature also defeats forgery by anyone without the secret.
type IntegrityProof struct {
	EntryID        string    `json:"entry_id"`
	OrganizationID string    `json:"organization_id"`
	Action         string    `json:"action"`
	Resource       string    `json:"resource"`
	ResourceID     string    `json:"resource_id"`
	EntryHash      string    `json:"entry_hash"`
	PreviousHash   string    `json:"previous_hash"`
	Timestamp      time.Time `json:"timestamp"`
	ExportedAt     time.Time `json:"exported_at"`
	Signature      string    `json:"signature"`
}

// ProofSigner generates and verifies integrity proofs with a shared
// secret held outside the ledger store.
type ProofSigner struct {
	secret []byte
}

// NewProofSigner creates a signer. The secret must be non-empty.
func NewProofSigner(secret []byte) (*ProofSigner, error) {
	if len(secret) == 0 {
		return nil, errors.NewValidationError("MISSING_PROOF_SECRET", "integrity proof secret is required")
	}
	return &ProofSigner{secret: secret}, nil
}

// GenerateProof exports a base64-encoded, signed record of the entry.
func (s *ProofSigner) GenerateProof(entry *Entry) (string, error) {
	if entry == nil {
		return "", errors.NewValidationError("NIL_ENTRY", "entry cannot be nil")
	}
	if err := entry.Validate(); err != nil {
		return "", err
	}

	proof := IntegrityProof{
		EntryID:        entry.ID.String(),
		OrganizationID: entry.OrganizationID,
		Action:         entry.Action,
		Resource:       entry.Resource,
		ResourceID:     entry.ResourceID,
		EntryHash:      entry.Hash,
		PreviousHash:   entry.PreviousHash,
		Timestamp:      entry.Timestamp.UTC(),
		ExportedAt:     time.Now().UTC(),
	}

	sig, err := s.sign(&proof)
	if err != nil {
		return "", err
	}
	proof.Signature = sig

	raw, err := json.Marshal(proof)
	if err != nil {
		return "", errors.NewInternalError("failed to serialize integrity proof").WithCause(err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifyProof decodes an exported proof and checks its signature.
// It returns the embedded proof on success so callers can compare the
// entry fields against their own records.
func (s *ProofSigner) VerifyProof(encoded string) (*IntegrityProof, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.NewValidationError("MALFORMED_PROOF", "integrity proof is not valid base64").WithCause(err)
	}

	var proof IntegrityProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, errors.NewValidationError("MALFORMED_PROOF", "integrity proof is not valid JSON").WithCause(err)
	}

	claimed := proof.Signature
	expected, err := s.sign(&proof)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(claimed), []byte(expected)) {
		return nil, errors.NewComplianceError("PROOF_SIGNATURE_MISMATCH", "integrity proof signature does not verify")
	}

	proof.Signature = claimed
	return &proof, nil
}

// sign computes the HMAC over the proof's canonical payload with the
// Signature field excluded.
func (s *ProofSigner) sign(proof *IntegrityProof) (string, error) {
	payload := map[string]interface{}{
		"entry_id":        proof.EntryID,
		"organization_id": proof.OrganizationID,
		"action":          proof.Action,
		"resource":        proof.Resource,
		"resource_id":     proof.ResourceID,
		"entry_hash":      proof.EntryHash,
		"previous_hash":   proof.PreviousHash,
		"timestamp":       proof.Timestamp.UTC().Format(time.RFC3339Nano),
		"exported_at":     proof.ExportedAt.UTC().Format(time.RFC3339Nano),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.NewInternalError("failed to serialize proof payload").WithCause(err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
