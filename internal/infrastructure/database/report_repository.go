package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/service/compliance"
)

// ReportRepository implements compliance.ReportRepository on
// PostgreSQL. Report bodies are stored as JSONB next to their hash.
type ReportRepository struct {
	db *pgxpool.Pool
}

// NewReportRepository creates a PostgreSQL report repository.
func NewReportRepository(db *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{db: db}
}

const reportColumns = `
	id, organization_id, report_type, range_from, range_to,
	generated_by, generated_at, data, hash`

// Create persists one generated report.
func (r *ReportRepository) Create(ctx context.Context, report *compliance.Report) error {
	dataJSON, err := json.Marshal(report.Data)
	if err != nil {
		return errors.NewInternalError("failed to marshal report data").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO compliance_reports (`+reportColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		report.ID,
		report.OrganizationID,
		string(report.Type),
		report.From,
		report.To,
		report.GeneratedBy,
		report.GeneratedAt,
		dataJSON,
		report.Hash,
	)
	if err != nil {
		return errors.NewInternalError("failed to insert report").WithCause(err)
	}
	return nil
}

// GetByID loads one report scoped to an organization.
func (r *ReportRepository) GetByID(ctx context.Context, organizationID string, id uuid.UUID) (*compliance.Report, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM compliance_reports
		WHERE organization_id = $1 AND id = $2`, organizationID, id)

	report, err := scanReport(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrReportNotFound
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load report").WithCause(err)
	}
	return report, nil
}

// ListByOrganization pages through an organization's reports, newest
// first.
func (r *ReportRepository) ListByOrganization(ctx context.Context, organizationID string, limit, offset int) ([]*compliance.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+reportColumns+`
		FROM compliance_reports
		WHERE organization_id = $1
		ORDER BY generated_at DESC, id DESC
		LIMIT $2 OFFSET $3`, organizationID, limit, offset)
	if err != nil {
		return nil, errors.NewInternalError("failed to list reports").WithCause(err)
	}
	defer rows.Close()

	var reports []*compliance.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan report").WithCause(err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read report rows").WithCause(err)
	}
	return reports, nil
}

func scanReport(row rowScanner) (*compliance.Report, error) {
	var report compliance.Report
	var reportType string
	var dataJSON []byte
	err := row.Scan(
		&report.ID,
		&report.OrganizationID,
		&reportType,
		&report.From,
		&report.To,
		&report.GeneratedBy,
		&report.GeneratedAt,
		&dataJSON,
		&report.Hash,
	)
	if err != nil {
		return nil, err
	}
	report.Type = compliance.ReportType(reportType)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &report.Data); err != nil {
			return nil, errors.NewInternalError("failed to unmarshal report data").WithCause(err)
		}
	}
	return &report, nil
}
