//go:build production

package keys

import (
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	domainkeys "github.com/casefolio/casefolio-backend/internal/domain/keys"
)

// Production builds have no local key fallback: every DEK must come
// from the external key service.
func mintLocalDEK() ([]byte, error) {
	return nil, errors.NewComplianceError("DEV_KEY_FORBIDDEN",
		"local DEK generation is not available in production builds")
}

func unwrapDevRecord(*domainkeys.KeyRecord) (*domainkeys.DEK, error) {
	return nil, errors.NewComplianceError("DEV_KEY_FORBIDDEN",
		"dev plaintext key records cannot be used in production builds")
}
