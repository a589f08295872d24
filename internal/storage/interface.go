package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/credvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// StorageBackend defines the persistence interface for credvault.
// It only ever receives SecretEnvelope values, never plaintext.
type StorageBackend interface {
	// Audit log
	WriteAuditEvent(ctx context.Context, event *models.AuditEvent) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
	// PurgeAuditEvents deletes events with the given severity created before
	// the cutoff and returns how many were removed.
	PurgeAuditEvents(ctx context.Context, severity models.Severity, before time.Time) (int64, error)

	// Secret envelopes
	WriteEnvelope(ctx context.Context, path string, env *models.SecretEnvelope) error
	ReadEnvelope(ctx context.Context, path string) (*models.SecretEnvelope, error)
	ListEnvelopes(ctx context.Context, prefix string) ([]string, error)
	DeleteEnvelope(ctx context.Context, path string) error

	// Session tokens
	WriteSessionToken(ctx context.Context, token *models.SessionToken, tokenHash string) error
	GetSessionToken(ctx context.Context, tokenHash string) (*models.SessionToken, error)
	RevokeSessionToken(ctx context.Context, tokenID string) error

	// Encryption key state. The key is stored sealed under the master
	// secret; a zero rotatedAt means no rotation has ever been recorded.
	SaveKeyState(ctx context.Context, version int, rotatedAt time.Time, sealedKey []byte) error
	LoadKeyState(ctx context.Context) (version int, rotatedAt time.Time, sealedKey []byte, err error)

	// Metrics helpers
	CountEnvelopes(ctx context.Context) (int64, error)
	CountActiveSessions(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Action   string
	Severity models.Severity
	Since    *time.Time
	Limit    int
	Offset   int
}
