package models

import "fmt"

// ViolationKind names a class of security failure from the pipeline taxonomy.
type ViolationKind string

const (
	ViolationRateLimit        ViolationKind = "rate_limit_exceeded"
	ViolationMaliciousInput   ViolationKind = "malicious_input_detected"
	ViolationInvalidUpload    ViolationKind = "invalid_upload"
	ViolationSessionIntegrity ViolationKind = "session_integrity_violation"
)

// Violation is a typed abort raised by a pipeline stage. It carries the HTTP
// status the orchestrator must answer with. Violations are audited by the
// stage that raises them before they propagate, and are never retried.
type Violation struct {
	Kind    ViolationKind
	Status  int
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Message)
}

// NewViolation builds a Violation with the given kind, HTTP status and message.
func NewViolation(kind ViolationKind, status int, msg string) *Violation {
	return &Violation{Kind: kind, Status: status, Message: msg}
}
