package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// AuditRepository implements audit.EntryRepository on PostgreSQL.
//
// Appends are serialized per organization with a transaction-scoped
// advisory lock: the chain-head read and the insert happen inside one
// transaction that holds pg_advisory_xact_lock on the organization, so
// two concurrent writers can never link to the same head.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a PostgreSQL ledger repository.
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

const entryColumns = `
	id, organization_id, user_id, action, resource, resource_id,
	resource_name, details, ip_address, user_agent, previous_hash,
	hash, timestamp`

// AppendEntry reads the organization's chain head and persists the
// entry build returns, all under the per-organization advisory lock.
func (r *AuditRepository) AppendEntry(ctx context.Context, organizationID string, build func(previousHash string) (*audit.Entry, error)) (*audit.Entry, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	var entry *audit.Entry
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, organizationID); err != nil {
			return errors.NewInternalError("failed to acquire chain lock").WithCause(err)
		}

		previousHash := audit.GenesisHash
		err := tx.QueryRow(ctx, `
			SELECT hash FROM audit_log_entries
			WHERE organization_id = $1
			ORDER BY timestamp DESC, id DESC
			LIMIT 1`, organizationID).Scan(&previousHash)
		if err != nil && err != pgx.ErrNoRows {
			return errors.NewInternalError("failed to read chain head").WithCause(err)
		}

		built, err := build(previousHash)
		if err != nil {
			return err
		}
		if built.OrganizationID != organizationID {
			return errors.NewValidationError("ORGANIZATION_MISMATCH",
				"built entry does not belong to the locked organization")
		}

		if err := insertEntry(ctx, tx, built); err != nil {
			return err
		}
		entry = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry *audit.Entry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return errors.NewInternalError("failed to marshal entry details").WithCause(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log_entries (`+entryColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID,
		entry.OrganizationID,
		entry.UserID,
		entry.Action,
		entry.Resource,
		entry.ResourceID,
		entry.ResourceName,
		detailsJSON,
		entry.IPAddress,
		entry.UserAgent,
		entry.PreviousHash,
		entry.Hash,
		entry.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.NewConflictError("DUPLICATE_ENTRY", "entry ID or hash already exists")
		}
		return errors.NewInternalError("failed to insert entry").WithCause(err)
	}
	return nil
}

// GetByID loads one entry scoped to an organization.
func (r *AuditRepository) GetByID(ctx context.Context, organizationID string, id uuid.UUID) (*audit.Entry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM audit_log_entries
		WHERE organization_id = $1 AND id = $2`, organizationID, id)

	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load entry").WithCause(err)
	}
	return entry, nil
}

// Query returns a filtered page, newest first, plus the total count.
func (r *AuditRepository) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, int, error) {
	where, args := buildFilter(filter)

	var total int
	countSQL := `SELECT COUNT(*) FROM audit_log_entries ` + where
	if err := r.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewInternalError("failed to count entries").WithCause(err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	querySQL := fmt.Sprintf(`
		SELECT %s FROM audit_log_entries %s
		ORDER BY timestamp DESC, id DESC
		LIMIT $%d OFFSET $%d`, entryColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to query entries").WithCause(err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func buildFilter(filter audit.Filter) (string, []interface{}) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{filter.OrganizationID}

	add := func(cond string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Resource != "" {
		add("resource = $%d", filter.Resource)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp <= $%d", *filter.To)
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// ListByOrganization returns the full hot history in timestamp order.
func (r *AuditRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*audit.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM audit_log_entries
		WHERE organization_id = $1
		ORDER BY timestamp ASC, id ASC`, organizationID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list entries").WithCause(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListOlderThan returns entries before the cutoff, oldest first.
func (r *AuditRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*audit.Entry, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM audit_log_entries
		WHERE timestamp < $1
		ORDER BY timestamp ASC, id ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to list entries for archival").WithCause(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteByIDs removes archived entries from hot storage.
func (r *AuditRepository) DeleteByIDs(ctx context.Context, organizationID string, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM audit_log_entries
		WHERE organization_id = $1 AND id = ANY($2)`, organizationID, ids)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete archived entries").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

// InsertRestored writes archived entries back, skipping existing IDs.
// Stored hashes are preserved so restored rows keep their original
// chain positions.
func (r *AuditRepository) InsertRestored(ctx context.Context, entries []*audit.Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	var restored int64
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, entry := range entries {
			detailsJSON, err := json.Marshal(entry.Details)
			if err != nil {
				return errors.NewInternalError("failed to marshal entry details").WithCause(err)
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO audit_log_entries (`+entryColumns+`
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (id) DO NOTHING`,
				entry.ID,
				entry.OrganizationID,
				entry.UserID,
				entry.Action,
				entry.Resource,
				entry.ResourceID,
				entry.ResourceName,
				detailsJSON,
				entry.IPAddress,
				entry.UserAgent,
				entry.PreviousHash,
				entry.Hash,
				entry.Timestamp,
			)
			if err != nil {
				return errors.NewInternalError("failed to restore entry").WithCause(err)
			}
			restored += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}

// Stats aggregates activity by action, resource and user over a range.
func (r *AuditRepository) Stats(ctx context.Context, organizationID string, from, to time.Time) (*audit.Stats, error) {
	stats := &audit.Stats{
		OrganizationID: organizationID,
		From:           from,
		To:             to,
		ByAction:       make(map[string]int),
		ByResource:     make(map[string]int),
	}

	rows, err := r.db.Query(ctx, `
		SELECT action, resource, COUNT(*)
		FROM audit_log_entries
		WHERE organization_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY action, resource`, organizationID, from, to)
	if err != nil {
		return nil, errors.NewInternalError("failed to aggregate stats").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var action, resource string
		var count int
		if err := rows.Scan(&action, &resource, &count); err != nil {
			return nil, errors.NewInternalError("failed to scan stats row").WithCause(err)
		}
		stats.ByAction[action] += count
		stats.ByResource[resource] += count
		stats.TotalEntries += count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read stats rows").WithCause(err)
	}

	userRows, err := r.db.Query(ctx, `
		SELECT user_id, COUNT(*) AS entry_count
		FROM audit_log_entries
		WHERE organization_id = $1 AND timestamp >= $2 AND timestamp <= $3
			AND user_id <> ''
		GROUP BY user_id
		ORDER BY entry_count DESC
		LIMIT 10`, organizationID, from, to)
	if err != nil {
		return nil, errors.NewInternalError("failed to aggregate top users").WithCause(err)
	}
	defer userRows.Close()

	for userRows.Next() {
		var ua audit.UserActivity
		if err := userRows.Scan(&ua.UserID, &ua.EntryCount); err != nil {
			return nil, errors.NewInternalError("failed to scan user row").WithCause(err)
		}
		stats.TopUsers = append(stats.TopUsers, ua)
	}
	if err := userRows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read user rows").WithCause(err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var entry audit.Entry
	var detailsJSON []byte
	err := row.Scan(
		&entry.ID,
		&entry.OrganizationID,
		&entry.UserID,
		&entry.Action,
		&entry.Resource,
		&entry.ResourceID,
		&entry.ResourceName,
		&detailsJSON,
		&entry.IPAddress,
		&entry.UserAgent,
		&entry.PreviousHash,
		&entry.Hash,
		&entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, errors.NewInternalError("failed to unmarshal entry details").WithCause(err)
		}
	}
	return &entry, nil
}

func scanEntries(rows pgx.Rows) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan entry").WithCause(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read entry rows").WithCause(err)
	}
	return entries, nil
}
