//go:build !production

package keys

import (
	"crypto/rand"
	"io"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	domainkeys "github.com/casefolio/casefolio-backend/internal/domain/keys"
)

// mintLocalDEK generates local-random key material for environments
// without a key service. Compiled out of production builds; the
// production variant unconditionally errors.
func mintLocalDEK() ([]byte, error) {
	material := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, errors.NewInternalError("failed to generate local DEK").WithCause(err)
	}
	return material, nil
}

// unwrapDevRecord reads the plaintext material of a dev key record.
func unwrapDevRecord(record *domainkeys.KeyRecord) (*domainkeys.DEK, error) {
	return domainkeys.NewDEK(record.OrganizationID, record.KeyVersion, record.EncryptedDEK)
}
