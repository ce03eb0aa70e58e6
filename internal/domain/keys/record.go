package keys

import (
	"time"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// DEKKind records how a data encryption key is protected at rest.
type DEKKind string

const (
	// DEKKindWrapped means the DEK ciphertext is wrapped by the master
	// key in the external key service.
	DEKKindWrapped DEKKind = "kms_wrapped"

	// DEKKindDevPlaintext is a local-random key stored unwrapped. Only
	// non-production builds can mint or unwrap records of this kind;
	// the production build has no code path that touches them.
	DEKKindDevPlaintext DEKKind = "dev_plaintext"
)

// KeyRecord is the stored metadata for one version of an organization's
// data encryption key. Inactive versions are retained forever: data
// encrypted under them must stay decryptable.
type KeyRecord struct {
	OrganizationID string     `json:"organization_id"`
	KeyVersion     int        `json:"key_version"`
	Kind           DEKKind    `json:"kind"`
	EncryptedDEK   []byte     `json:"-"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty"`
}

// Validate checks record invariants before persistence.
func (r *KeyRecord) Validate() error {
	if r.OrganizationID == "" {
		return errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if r.KeyVersion < 1 {
		return errors.NewValidationError("INVALID_KEY_VERSION", "key version must be >= 1")
	}
	if r.Kind != DEKKindWrapped && r.Kind != DEKKindDevPlaintext {
		return errors.NewValidationError("INVALID_DEK_KIND", "unknown DEK kind")
	}
	if len(r.EncryptedDEK) == 0 {
		return errors.NewValidationError("MISSING_DEK_CIPHERTEXT", "stored DEK material is required")
	}
	return nil
}

// DEK is an unwrapped data encryption key held in memory. The material
// is unexported; it only leaves this type through Material, and it is
// never serialized.
type DEK struct {
	organizationID string
	version        int
	material       []byte
}

// NewDEK wraps raw key material. The material must be exactly 32 bytes.
func NewDEK(organizationID string, version int, material []byte) (*DEK, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if version < 1 {
		return nil, errors.NewValidationError("INVALID_KEY_VERSION", "key version must be >= 1")
	}
	if len(material) != 32 {
		return nil, errors.NewCryptoError("INVALID_KEY_SIZE", "DEK material must be 32 bytes")
	}
	owned := make([]byte, 32)
	copy(owned, material)
	return &DEK{organizationID: organizationID, version: version, material: owned}, nil
}

// OrganizationID returns the owning tenant.
func (d *DEK) OrganizationID() string { return d.organizationID }

// Version returns the key version this material belongs to.
func (d *DEK) Version() int { return d.version }

// Material returns the raw 32-byte key.
func (d *DEK) Material() []byte { return d.material }
