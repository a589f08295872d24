package models

import "time"

// Severity classifies audit events for retention and alerting priority.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Resource identifies the object an audit event refers to as a tagged
// {kind, id} pair rather than a reflected type name.
type Resource struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// AuditEvent is one append-only entry in the audit log. Events are immutable
// once recorded; only the retention purge removes old low-severity rows.
type AuditEvent struct {
	ID          string         `json:"id"`
	ActorID     *string        `json:"actor_id,omitempty"`
	Action      string         `json:"action"`
	Resource    *Resource      `json:"resource,omitempty"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	ClientIP    string         `json:"client_ip"`
	UserAgent   string         `json:"user_agent"`
	SessionID   string         `json:"session_id"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}
