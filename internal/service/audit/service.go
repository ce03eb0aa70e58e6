// Package audit provides the ledger service: serialized hash-chained
// appends, tenant-scoped queries, chain verification, integrity proofs
// and activity statistics.
package audit

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casefolio_audit_appends_total",
		Help: "Ledger entries appended, by result.",
	}, []string{"result"})

	chainVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casefolio_audit_chain_verifications_total",
		Help: "Chain verification runs, by outcome.",
	}, []string{"outcome"})
)

// StatsCache is the optional read-side cache for activity statistics.
// Appends invalidate the owning organization so cached aggregates are
// at most one append stale.
type StatsCache interface {
	GetStats(ctx context.Context, organizationID string, from, to time.Time) (*domainaudit.Stats, bool)
	SetStats(ctx context.Context, stats *domainaudit.Stats)
	InvalidateOrg(ctx context.Context, organizationID string)
}

// Service is the audit ledger service.
type Service struct {
	repo     domainaudit.EntryRepository
	verifier domainaudit.ChainVerifier
	signer   *domainaudit.ProofSigner
	cache    StatsCache
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates the ledger service. cache may be nil.
func NewService(repo domainaudit.EntryRepository, signer *domainaudit.ProofSigner, cache StatsCache, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.NewValidationError("MISSING_REPOSITORY", "entry repository is required")
	}
	if signer == nil {
		return nil, errors.NewValidationError("MISSING_PROOF_SIGNER", "proof signer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		verifier: domainaudit.NewHashChainVerifier(),
		signer:   signer,
		cache:    cache,
		validate: validator.New(),
		logger:   logger,
		tracer:   otel.Tracer("casefolio.audit"),
	}, nil
}

// CreateAuditLog appends one entry to the caller's organization chain.
// The chain-head read, hash computation and insert run as a serialized
// per-organization critical section inside the repository; two
// concurrent appends for the same organization can never link to the
// same head.
func (s *Service) CreateAuditLog(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "audit.create",
		trace.WithAttributes(attribute.String("organization_id", input.OrganizationID)))
	defer span.End()

	if err := s.validate.Struct(input); err != nil {
		appendsTotal.WithLabelValues("rejected").Inc()
		return nil, errors.NewValidationError("INVALID_AUDIT_INPUT", "audit input failed validation").WithCause(err)
	}

	entry, err := s.repo.AppendEntry(ctx, input.OrganizationID, func(previousHash string) (*domainaudit.Entry, error) {
		return domainaudit.NewSignedEntry(input, previousHash)
	})
	if err != nil {
		appendsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		s.logger.Error("audit append failed",
			zap.String("organization_id", input.OrganizationID),
			zap.String("action", input.Action),
			zap.Error(err))
		return nil, err
	}

	appendsTotal.WithLabelValues("ok").Inc()
	if s.cache != nil {
		s.cache.InvalidateOrg(ctx, input.OrganizationID)
	}

	s.logger.Debug("audit entry appended",
		zap.String("entry_id", entry.ID.String()),
		zap.String("organization_id", entry.OrganizationID),
		zap.String("action", entry.Action))

	return entry, nil
}

// QueryAuditLogs returns a filtered page of entries plus the total
// match count.
func (s *Service) QueryAuditLogs(ctx context.Context, filter domainaudit.Filter) ([]*domainaudit.Entry, int, error) {
	if err := s.validate.Struct(filter); err != nil {
		return nil, 0, errors.NewValidationError("INVALID_FILTER", "query filter failed validation").WithCause(err)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.Query(ctx, filter)
}

// VerifyAuditChain loads the organization's full hot history and walks
// the hash chain from the genesis sentinel.
func (s *Service) VerifyAuditChain(ctx context.Context, organizationID string) (*domainaudit.ChainVerification, error) {
	ctx, span := s.tracer.Start(ctx, "audit.verify_chain",
		trace.WithAttributes(attribute.String("organization_id", organizationID)))
	defer span.End()

	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}

	entries, err := s.repo.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	result, err := s.verifier.VerifyChain(entries)
	if err != nil {
		chainVerifications.WithLabelValues("error").Inc()
		return nil, err
	}

	if result.Valid {
		chainVerifications.WithLabelValues("valid").Inc()
	} else {
		chainVerifications.WithLabelValues("broken").Inc()
		s.logger.Warn("audit chain verification failed",
			zap.String("organization_id", organizationID),
			zap.Int("position", result.BrokenAt.Position),
			zap.String("entry_id", result.BrokenAt.EntryID))
	}

	return result, nil
}

// GetIntegrityProof exports a signed, self-contained proof of one
// entry for out-of-band verification.
func (s *Service) GetIntegrityProof(ctx context.Context, organizationID string, entryID uuid.UUID) (string, error) {
	entry, err := s.repo.GetByID(ctx, organizationID, entryID)
	if err != nil {
		return "", err
	}
	return s.signer.GenerateProof(entry)
}

// VerifyIntegrityProof checks a previously exported proof.
func (s *Service) VerifyIntegrityProof(ctx context.Context, encoded string) (*domainaudit.IntegrityProof, error) {
	return s.signer.VerifyProof(encoded)
}

// GetAuditStats aggregates activity for an organization over a range.
func (s *Service) GetAuditStats(ctx context.Context, organizationID string, from, to time.Time) (*domainaudit.Stats, error) {
	if organizationID == "" {
		return nil, errors.NewValidationError("MISSING_ORGANIZATION", "organization ID is required")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	if s.cache != nil {
		if stats, ok := s.cache.GetStats(ctx, organizationID, from, to); ok {
			return stats, nil
		}
	}

	stats, err := s.repo.Stats(ctx, organizationID, from, to)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetStats(ctx, stats)
	}
	return stats, nil
}
