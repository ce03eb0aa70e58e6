package audit

// EventType classifies ledger entries into the compliance taxonomy used
// by reporting and alerting. It is orthogonal to the action string: the
// same action can occur under different event types.
type EventType string

const (
	EventTypeAuth       EventType = "AUTH"
	EventTypePHIAccess  EventType = "PHI_ACCESS"
	EventTypeAdmin      EventType = "ADMIN"
	EventTypeSystem     EventType = "SYSTEM"
	EventTypeDataExport EventType = "DATA_EXPORT"
	EventTypeSecurity   EventType = "SECURITY"
)

// Severity ranks how urgently an event should surface in review queues.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Common ledger actions. Collaborating services pass free-form actions
// too; these constants cover the flows owned by this codebase.
const (
	ActionCreate        = "CREATE"
	ActionUpdate        = "UPDATE"
	ActionDelete        = "DELETE"
	ActionView          = "VIEW"
	ActionLogin         = "LOGIN"
	ActionLoginFailed   = "LOGIN_FAILED"
	ActionLogout        = "LOGOUT"
	ActionExport        = "EXPORT"
	ActionBulkExport    = "BULK_EXPORT"
	ActionDecryptTier2  = "DECRYPT_SENSITIVE_FIELD"
	ActionKeyRotation   = "KEY_ROTATION"
	ActionArchive       = "ARCHIVE"
	ActionPurge         = "PURGE"
	ActionSafetyFlag    = "SAFETY_FLAG_RAISED"
	ActionPermissionSet = "PERMISSION_CHANGE"
)

// severityTable is the fixed (event type, action) precedence table.
// Lookup order: exact (type, action), then (type, *), then the default.
var severityTable = map[EventType]map[string]Severity{
	EventTypeAuth: {
		ActionLoginFailed: SeverityMedium,
		"*":               SeverityLow,
	},
	EventTypePHIAccess: {
		ActionSafetyFlag:   SeverityCritical,
		ActionDecryptTier2: SeverityHigh,
		ActionBulkExport:   SeverityCritical,
		"*":                SeverityMedium,
	},
	EventTypeAdmin: {
		ActionPermissionSet: SeverityHigh,
		ActionKeyRotation:   SeverityHigh,
		ActionPurge:         SeverityCritical,
		"*":                 SeverityMedium,
	},
	EventTypeSystem: {
		"*": SeverityLow,
	},
	EventTypeDataExport: {
		ActionBulkExport: SeverityCritical,
		"*":              SeverityHigh,
	},
	EventTypeSecurity: {
		"*": SeverityHigh,
	},
}

// DeriveSeverity resolves the severity for an (event type, action) pair
// from the precedence table.
func DeriveSeverity(eventType EventType, action string) Severity {
	actions, ok := severityTable[eventType]
	if !ok {
		return SeverityLow
	}
	if sev, ok := actions[action]; ok {
		return sev
	}
	if sev, ok := actions["*"]; ok {
		return sev
	}
	return SeverityLow
}

// ValidEventType reports whether the given type belongs to the taxonomy.
func ValidEventType(t EventType) bool {
	_, ok := severityTable[t]
	return ok
}
