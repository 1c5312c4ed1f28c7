package types

import "time"

// Event names emitted by the pool controller. This list is the entire
// observability contract with external consumers.
const (
	EventWorkerCreated   = "worker.created"
	EventWorkerReplaced  = "worker.replaced"
	EventWorkerRepairing = "worker.repairing"
	EventWorkerDead      = "worker.dead"
	EventTaskQueued      = "task.queued"
	EventTaskStarted     = "task.started"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventTaskReassigned  = "task.reassigned"
	EventTaskEscalated   = "task.escalated"
	EventAuditEntry      = "audit.entry"
)

// Event is one tagged notification delivered to subscribers
type Event struct {
	Name    string                 `json:"name"`
	Time    time.Time              `json:"time"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// AuditEntry is one append-only audit record
type AuditEntry struct {
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SuggestionCategory buckets an escalation's best-effort diagnosis
type SuggestionCategory string

const (
	CategoryPermission SuggestionCategory = "permission"
	CategoryExternal   SuggestionCategory = "external-dependency"
	CategoryTimeout    SuggestionCategory = "timeout"
	CategoryResource   SuggestionCategory = "resource"
	CategoryUnknown    SuggestionCategory = "manual-investigation"
)

// Escalation is the terminal report for a task that exhausted its attempts
type Escalation struct {
	ID         string             `json:"id"`
	Task       Task               `json:"task"`
	Attempts   int                `json:"attempts"`
	Errors     []ErrorRecord      `json:"errors"`
	LastError  string             `json:"last_error"`
	Category   SuggestionCategory `json:"category"`
	Suggestion string             `json:"suggestion"`
	Time       time.Time          `json:"time"`
}
