package compliance

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

const queryPageSize = 1000

// Service generates, verifies and exports compliance reports.
type Service struct {
	entries  domainaudit.EntryRepository
	reports  ReportRepository
	verifier domainaudit.ChainVerifier
	users    UserDirectory
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService wires the report service. users may be nil; display names
// then fall back to raw user IDs.
func NewService(entries domainaudit.EntryRepository, reports ReportRepository, users UserDirectory, logger *zap.Logger) (*Service, error) {
	if entries == nil {
		return nil, errors.NewValidationError("MISSING_REPOSITORY", "entry repository is required")
	}
	if reports == nil {
		return nil, errors.NewValidationError("MISSING_REPORT_STORE", "report repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entries:  entries,
		reports:  reports,
		verifier: domainaudit.NewHashChainVerifier(),
		users:    users,
		logger:   logger,
		tracer:   otel.Tracer("casefolio.compliance"),
	}, nil
}

// GenerateComplianceReport builds, hashes and persists one report.
func (s *Service) GenerateComplianceReport(ctx context.Context, organizationID string, reportType ReportType, from, to time.Time, generatedBy string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "compliance.generate",
		trace.WithAttributes(
			attribute.String("organization_id", organizationID),
			attribute.String("report_type", string(reportType))))
	defer span.End()

	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if !ValidReportType(reportType) {
		return nil, errors.NewValidationError("INVALID_REPORT_TYPE", "unknown report type")
	}
	if generatedBy == "" {
		return nil, errors.NewValidationError("MISSING_GENERATOR", "generatedBy is required")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	var (
		data map[string]interface{}
		err  error
	)
	switch reportType {
	case ReportActivitySummary:
		data, err = s.buildActivitySummary(ctx, organizationID, from, to)
	case ReportDataAccess:
		data, err = s.buildDataAccess(ctx, organizationID, from, to)
	case ReportUserActivity:
		data, err = s.buildUserActivity(ctx, organizationID, from, to)
	case ReportFormSubmissions:
		data, err = s.buildResourceAudit(ctx, organizationID, "form_submission", from, to)
	case ReportFileAudit:
		data, err = s.buildResourceAudit(ctx, organizationID, "file", from, to)
	case ReportChainIntegrity:
		data, err = s.buildChainIntegrity(ctx, organizationID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The stored and hashed form is the canonical one, so the hash
	// still matches after the body is reloaded from the database.
	data, err = CanonicalizeReportData(data)
	if err != nil {
		return nil, err
	}

	hash, err := HashReportData(data)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		Type:           reportType,
		From:           from,
		To:             to,
		GeneratedBy:    generatedBy,
		GeneratedAt:    time.Now().UTC(),
		Data:           data,
		Hash:           hash,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, err
	}

	s.logger.Info("compliance report generated",
		zap.String("report_id", report.ID.String()),
		zap.String("organization_id", organizationID),
		zap.String("type", string(reportType)))
	return report, nil
}

// GetReport loads a persisted report.
func (s *Service) GetReport(ctx context.Context, organizationID string, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, organizationID, id)
}

// ListReports pages through an organization's reports, newest first.
func (s *Service) ListReports(ctx context.Context, organizationID string, limit, offset int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.reports.ListByOrganization(ctx, organizationID, limit, offset)
}

// VerifyReportIntegrity recomputes the stored report's data hash and
// compares it to the persisted one.
func (s *Service) VerifyReportIntegrity(ctx context.Context, organizationID string, id uuid.UUID) (bool, error) {
	report, err := s.reports.GetByID(ctx, organizationID, id)
	if err != nil {
		return false, err
	}
	recomputed, err := HashReportData(report.Data)
	if err != nil {
		return false, err
	}
	if recomputed != report.Hash {
		s.logger.Warn("report integrity check failed",
			zap.String("report_id", id.String()),
			zap.String("organization_id", organizationID))
		return false, nil
	}
	return true, nil
}

// collectEntries pages through the ledger until the filter is
// exhausted.
func (s *Service) collectEntries(ctx context.Context, filter domainaudit.Filter) ([]*domainaudit.Entry, error) {
	filter.Limit = queryPageSize
	filter.Offset = 0

	var out []*domainaudit.Entry
	for {
		page, total, err := s.entries.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return out, nil
		}
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "system"
	}
	if s.users == nil {
		return userID
	}
	name, err := s.users.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func (s *Service) buildActivitySummary(ctx context.Context, organizationID string, from, to time.Time) (map[string]interface{}, error) {
	stats, err := s.entries.Stats(ctx, organizationID, from, to)
	if err != nil {
		return nil, err
	}

	topUsers := make([]map[string]interface{}, 0, len(stats.TopUsers))
	for _, u := range stats.TopUsers {
		topUsers = append(topUsers, map[string]interface{}{
			"user_id":      u.UserID,
			"display_name": s.displayName(ctx, u.UserID),
			"entry_count":  u.EntryCount,
		})
	}

	return map[string]interface{}{
		"total_entries": stats.TotalEntries,
		"by_action":     stats.ByAction,
		"by_resource":   stats.ByResource,
		"top_users":     topUsers,
	}, nil
}

func (s *Service) buildDataAccess(ctx context.Context, organizationID string, from, to time.Time) (map[string]interface{}, error) {
	entries, err := s.collectEntries(ctx, domainaudit.Filter{
		OrganizationID: organizationID,
		Action:         domainaudit.ActionDecryptTier2,
		From:           &from,
		To:             &to,
	})
	if err != nil {
		return nil, err
	}

	accesses := make([]map[string]interface{}, 0, len(entries))
	byPurpose := make(map[string]int)
	failures := 0
	for _, entry := range entries {
		purpose, _ := entry.Details["purpose"].(string)
		success, _ := entry.Details["success"].(bool)
		if purpose != "" {
			byPurpose[purpose]++
		}
		if !success {
			failures++
		}
		accesses = append(accesses, map[string]interface{}{
			"entry_id":     entry.ID.String(),
			"timestamp":    entry.Timestamp,
			"user_id":      entry.UserID,
			"display_name": s.displayName(ctx, entry.UserID),
			"resource":     entry.Resource,
			"resource_id":  entry.ResourceID,
			"purpose":      purpose,
			"success":      success,
			"ip_address":   entry.IPAddress,
		})
	}

	return map[string]interface{}{
		"total_accesses": len(accesses),
		"failed":         failures,
		"by_purpose":     byPurpose,
		"accesses":       accesses,
	}, nil
}

func (s *Service) buildUserActivity(ctx context.Context, organizationID string, from, to time.Time) (map[string]interface{}, error) {
	entries, err := s.collectEntries(ctx, domainaudit.Filter{
		OrganizationID: organizationID,
		From:           &from,
		To:             &to,
	})
	if err != nil {
		return nil, err
	}

	type userAgg struct {
		count    int
		byAction map[string]int
		first    time.Time
		last     time.Time
	}
	perUser := make(map[string]*userAgg)
	for _, entry := range entries {
		agg, ok := perUser[entry.UserID]
		if !ok {
			agg = &userAgg{byAction: make(map[string]int), first: entry.Timestamp, last: entry.Timestamp}
			perUser[entry.UserID] = agg
		}
		agg.count++
		agg.byAction[entry.Action]++
		if entry.Timestamp.Before(agg.first) {
			agg.first = entry.Timestamp
		}
		if entry.Timestamp.After(agg.last) {
			agg.last = entry.Timestamp
		}
	}

	users := make([]map[string]interface{}, 0, len(perUser))
	for userID, agg := range perUser {
		users = append(users, map[string]interface{}{
			"user_id":      userID,
			"display_name": s.displayName(ctx, userID),
			"entry_count":  agg.count,
			"by_action":    agg.byAction,
			"first_seen":   agg.first,
			"last_seen":    agg.last,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i]["entry_count"].(int) > users[j]["entry_count"].(int)
	})

	return map[string]interface{}{
		"total_entries": len(entries),
		"user_count":    len(users),
		"users":         users,
	}, nil
}

func (s *Service) buildResourceAudit(ctx context.Context, organizationID, resource string, from, to time.Time) (map[string]interface{}, error) {
	entries, err := s.collectEntries(ctx, domainaudit.Filter{
		OrganizationID: organizationID,
		Resource:       resource,
		From:           &from,
		To:             &to,
	})
	if err != nil {
		return nil, err
	}

	byAction := make(map[string]int)
	rows := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		byAction[entry.Action]++
		rows = append(rows, map[string]interface{}{
			"entry_id":      entry.ID.String(),
			"timestamp":     entry.Timestamp,
			"user_id":       entry.UserID,
			"display_name":  s.displayName(ctx, entry.UserID),
			"action":        entry.Action,
			"resource_id":   entry.ResourceID,
			"resource_name": entry.ResourceName,
		})
	}

	return map[string]interface{}{
		"resource":      resource,
		"total_entries": len(rows),
		"by_action":     byAction,
		"entries":       rows,
	}, nil
}

func (s *Service) buildChainIntegrity(ctx context.Context, organizationID string) (map[string]interface{}, error) {
	entries, err := s.entries.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	verification, err := s.verifier.VerifyChain(entries)
	if err != nil {
		return nil, err
	}
	stats := domainaudit.ComputeChainStats(entries)

	data := map[string]interface{}{
		"valid":            verification.Valid,
		"total_entries":    verification.TotalEntries,
		"verified_entries": verification.VerifiedEntries,
		"stats":            stats,
	}
	if verification.BrokenAt != nil {
		data["broken_at"] = verification.BrokenAt
	}
	return data, nil
}
