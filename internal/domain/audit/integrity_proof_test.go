package audit

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

func TestProofSignerRequiresSecret(t *testing.T) {
	_, err := NewProofSigner(nil)
	assert.Error(t, err)
}

func TestGenerateAndVerifyProof(t *testing.T) {
	signer, err := NewProofSigner([]byte("proof-secret"))
	require.NoError(t, err)

	entry := buildChain(t, "org-1", 1)[0]
	encoded, err := signer.GenerateProof(entry)
	require.NoError(t, err)

	proof, err := signer.VerifyProof(encoded)
	require.NoError(t, err)
	assert.Equal(t, entry.ID.String(), proof.EntryID)
	assert.Equal(t, entry.OrganizationID, proof.OrganizationID)
	assert.Equal(t, entry.Hash, proof.EntryHash)
	assert.Equal(t, entry.PreviousHash, proof.PreviousHash)
}

func TestVerifyProofWrongSecret(t *testing.T) {
	signer, err := NewProofSigner([]byte("proof-secret"))
	require.NoError(t, err)
	other, err := NewProofSigner([]byte("different-secret"))
	require.NoError(t, err)

	encoded, err := signer.GenerateProof(buildChain(t, "org-1", 1)[0])
	require.NoError(t, err)

	_, err = other.VerifyProof(encoded)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCompliance))
}

func TestVerifyProofTamperedField(t *testing.T) {
	signer, err := NewProofSigner([]byte("proof-secret"))
	require.NoError(t, err)

	encoded, err := signer.GenerateProof(buildChain(t, "org-1", 1)[0])
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var proof IntegrityProof
	require.NoError(t, json.Unmarshal(raw, &proof))
	proof.OrganizationID = "org-2"
	tampered, err := json.Marshal(proof)
	require.NoError(t, err)

	_, err = signer.VerifyProof(base64.StdEncoding.EncodeToString(tampered))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCompliance))
}

func TestVerifyProofMalformed(t *testing.T) {
	signer, err := NewProofSigner([]byte("proof-secret"))
	require.NoError(t, err)

	_, err = signer.VerifyProof("not base64!!!")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = signer.VerifyProof(base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestGenerateProofRejectsUnsignedEntry(t *testing.T) {
	signer, err := NewProofSigner([]byte("proof-secret"))
	require.NoError(t, err)

	entry := buildChain(t, "org-1", 1)[0]
	entry.Hash = ""
	_, err = signer.GenerateProof(entry)
	assert.Error(t, err)

	_, err = signer.GenerateProof(nil)
	assert.Error(t, err)
}
