package database

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/domain/keys"
)

// KeyRepository implements keys.KeyRecordRepository on PostgreSQL.
// The single-active invariant is enforced by a partial unique index on
// (organization_id) WHERE is_active.
type KeyRepository struct {
	db *pgxpool.Pool
}

// NewKeyRepository creates a PostgreSQL key-record repository.
func NewKeyRepository(db *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{db: db}
}

const keyColumns = `
	organization_id, key_version, kind, encrypted_dek, is_active,
	created_at, rotated_at`

// GetActive returns the organization's active key record.
func (r *KeyRepository) GetActive(ctx context.Context, organizationID string) (*keys.KeyRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM encryption_key_records
		WHERE organization_id = $1 AND is_active`, organizationID)

	record, err := scanKeyRecord(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrKeyRecordNotFound
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load active key record").WithCause(err)
	}
	return record, nil
}

// GetByVersion returns a specific historical version.
func (r *KeyRepository) GetByVersion(ctx context.Context, organizationID string, version int) (*keys.KeyRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM encryption_key_records
		WHERE organization_id = $1 AND key_version = $2`, organizationID, version)

	record, err := scanKeyRecord(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrKeyRecordNotFound
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load key record").WithCause(err)
	}
	return record, nil
}

// CreateActive persists a first active record for an organization.
func (r *KeyRepository) CreateActive(ctx context.Context, record *keys.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if !record.IsActive {
		return errors.NewValidationError("INACTIVE_RECORD", "CreateActive requires an active record")
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO encryption_key_records (`+keyColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.OrganizationID,
		record.KeyVersion,
		string(record.Kind),
		record.EncryptedDEK,
		record.IsActive,
		record.CreatedAt,
		record.RotatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.NewConflictError("ACTIVE_KEY_EXISTS",
				"organization already has an active key record")
		}
		return errors.NewInternalError("failed to create key record").WithCause(err)
	}
	return nil
}

// Rotate demotes the current active record and inserts the new one as
// active, in one transaction.
func (r *KeyRepository) Rotate(ctx context.Context, record *keys.KeyRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if !record.IsActive {
		return errors.NewValidationError("INACTIVE_RECORD", "Rotate requires an active record")
	}

	return pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':keys'))`, record.OrganizationID); err != nil {
			return errors.NewInternalError("failed to acquire key lock").WithCause(err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE encryption_key_records
			SET is_active = FALSE, rotated_at = NOW()
			WHERE organization_id = $1 AND is_active`, record.OrganizationID); err != nil {
			return errors.NewInternalError("failed to demote active key record").WithCause(err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO encryption_key_records (`+keyColumns+`
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.OrganizationID,
			record.KeyVersion,
			string(record.Kind),
			record.EncryptedDEK,
			record.IsActive,
			record.CreatedAt,
			record.RotatedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
				return errors.NewConflictError("DUPLICATE_KEY_VERSION",
					"key version already exists for organization")
			}
			return errors.NewInternalError("failed to insert rotated key record").WithCause(err)
		}
		return nil
	})
}

// NextVersion returns the next monotonic key version.
func (r *KeyRepository) NextVersion(ctx context.Context, organizationID string) (int, error) {
	var next int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(key_version), 0) + 1
		FROM encryption_key_records
		WHERE organization_id = $1`, organizationID).Scan(&next)
	if err != nil {
		return 0, errors.NewInternalError("failed to compute next key version").WithCause(err)
	}
	return next, nil
}

func scanKeyRecord(row rowScanner) (*keys.KeyRecord, error) {
	var record keys.KeyRecord
	var kind string
	err := row.Scan(
		&record.OrganizationID,
		&record.KeyVersion,
		&kind,
		&record.EncryptedDEK,
		&record.IsActive,
		&record.CreatedAt,
		&record.RotatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Kind = keys.DEKKind(kind)
	return &record, nil
}
