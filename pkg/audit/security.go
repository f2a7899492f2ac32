// Package audit provides security audit logging for SIEM consumption.
// It logs ETL security events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventInjectionFlagged is logged when libinjection flags an operation parameter.
	EventInjectionFlagged SecurityEventType = "parameter_injection_flagged"
	// EventIdentifierRejected is logged when a table or column name fails validation.
	EventIdentifierRejected SecurityEventType = "identifier_rejected"
	// EventOperationExecuted is logged for every successful ETL operation run.
	EventOperationExecuted SecurityEventType = "operation_executed"
)

// maxLoggedValue bounds parameter values copied into events.
const maxLoggedValue = 200

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   SecurityEventType `json:"event_type"`
	OperationID uuid.UUID         `json:"operation_id"`
	Details     any               `json:"details"`
	Severity    string            `json:"severity"` // info, warning, critical
}

// InjectionDetails contains specifics of a flagged parameter value.
type InjectionDetails struct {
	Path          string `json:"path"`
	Value         string `json:"value"`
	Fingerprint   string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
	OperationType string `json:"operation_type"`
}

// IdentifierDetails describes a rejected identifier.
type IdentifierDetails struct {
	OperationType string `json:"operation_type"`
	Reason        string `json:"reason"`
}

// ExecutionDetails describes a completed operation.
type ExecutionDetails struct {
	OperationType string   `json:"operation_type"`
	SourceTables  []string `json:"source_tables"`
	OutputTable   string   `json:"output_table"`
	RowCount      int64    `json:"row_count"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor creates a new security auditor under the "security_audit"
// logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{
		logger: logger.Named("security_audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LogInjectionFlagged records a parameter value libinjection considers SQL.
// Identifier validation still decides whether the operation is accepted, so
// this is a warning rather than a critical event.
func (a *SecurityAuditor) LogInjectionFlagged(operationID uuid.UUID, details InjectionDetails) {
	details.Value = logging.SanitizeMessage(logging.TruncateString(details.Value, maxLoggedValue))
	event := a.event(EventInjectionFlagged, operationID, details, "warning")

	a.logger.Warn("Operation parameter flagged by injection screen",
		zap.String("event_json", event),
		zap.String("operation_id", operationID.String()),
		zap.String("path", details.Path),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "warning"),
	)
}

// LogIdentifierRejected records an operation refused for an unsafe identifier.
func (a *SecurityAuditor) LogIdentifierRejected(operationID uuid.UUID, details IdentifierDetails) {
	details.Reason = logging.TruncateString(details.Reason, maxLoggedValue)
	event := a.event(EventIdentifierRejected, operationID, details, "warning")

	a.logger.Warn("Identifier rejected",
		zap.String("event_json", event),
		zap.String("operation_id", operationID.String()),
		zap.String("operation_type", details.OperationType),
		zap.String("reason", details.Reason),
		zap.String("severity", "warning"),
	)
}

// LogOperationExecuted records a successful run for the audit trail.
func (a *SecurityAuditor) LogOperationExecuted(operationID uuid.UUID, details ExecutionDetails) {
	event := a.event(EventOperationExecuted, operationID, details, "info")

	a.logger.Info("Operation executed",
		zap.String("event_json", event),
		zap.String("operation_id", operationID.String()),
		zap.String("output_table", details.OutputTable),
		zap.Int64("row_count", details.RowCount),
		zap.String("severity", "info"),
	)
}

func (a *SecurityAuditor) event(eventType SecurityEventType, operationID uuid.UUID, details any, severity string) string {
	// Marshaling these known types cannot fail.
	data, _ := json.Marshal(SecurityEvent{
		Timestamp:   a.now(),
		EventType:   eventType,
		OperationID: operationID,
		Details:     details,
		Severity:    severity,
	})
	return string(data)
}
