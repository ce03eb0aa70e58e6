package audit

import (
	"context"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// Detail keys the enhanced logger stamps onto every entry.
const (
	detailEventType = "event_type"
	detailSeverity  = "severity"
	detailSuccess   = "success"
)

// EnhancedLogger layers the compliance event taxonomy and severity
// model on top of the ledger. It owns no storage: every write funnels
// through Service.CreateAuditLog and therefore through the serialized
// append path.
type EnhancedLogger struct {
	svc *Service
}

// NewEnhancedLogger wraps a ledger service.
func NewEnhancedLogger(svc *Service) (*EnhancedLogger, error) {
	if svc == nil {
		return nil, errors.NewValidationError("MISSING_SERVICE", "ledger service is required")
	}
	return &EnhancedLogger{svc: svc}, nil
}

// LogEvent appends a classified entry. Severity is derived from the
// fixed (event type, action) precedence table; callers cannot override
// it.
func (l *EnhancedLogger) LogEvent(ctx context.Context, eventType domainaudit.EventType, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	if !domainaudit.ValidEventType(eventType) {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE", "unknown audit event type")
	}

	if input.Details == nil {
		input.Details = make(map[string]interface{})
	}
	input.Details[detailEventType] = string(eventType)
	input.Details[detailSeverity] = string(domainaudit.DeriveSeverity(eventType, input.Action))

	return l.svc.CreateAuditLog(ctx, input)
}

// LogAuth records an authentication event.
func (l *EnhancedLogger) LogAuth(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	return l.LogEvent(ctx, domainaudit.EventTypeAuth, input)
}

// LogPHIAccess records access to protected client data.
func (l *EnhancedLogger) LogPHIAccess(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	return l.LogEvent(ctx, domainaudit.EventTypePHIAccess, input)
}

// LogAdmin records an administrative change.
func (l *EnhancedLogger) LogAdmin(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	return l.LogEvent(ctx, domainaudit.EventTypeAdmin, input)
}

// LogSecurity records a security-relevant event.
func (l *EnhancedLogger) LogSecurity(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	return l.LogEvent(ctx, domainaudit.EventTypeSecurity, input)
}

// LogDataExport records a data export.
func (l *EnhancedLogger) LogDataExport(ctx context.Context, input domainaudit.EntryInput) (*domainaudit.Entry, error) {
	return l.LogEvent(ctx, domainaudit.EventTypeDataExport, input)
}
