package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Recorder is the write-only interface every component records through.
// Nothing in the pipeline reads prior audit events back to make decisions.
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent)
}

// Sink writes audit events to the storage backend.
type Sink struct {
	store storage.StorageBackend
}

// NewSink creates an audit Sink.
func NewSink(store storage.StorageBackend) *Sink {
	return &Sink{store: store}
}

// Record persists one audit event, filling in its ID and timestamp.
// Secret values must NEVER be passed here — only metadata.
// Write failures are logged but do not break request flow.
func (s *Sink) Record(ctx context.Context, event *models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if !event.Severity.Valid() {
		event.Severity = models.SeverityLow
	}
	if err := s.store.WriteAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("action", event.Action).Msg("failed to write audit event")
	}
}

// Query retrieves paginated audit log events.
func (s *Sink) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	return s.store.QueryAuditLog(ctx, filter)
}

// PurgeLowSeverity deletes low-severity events older than the retention
// window. Higher severities are kept indefinitely. Safe to run against
// live traffic; operator-invoked, there is no background scheduler.
func (s *Sink) PurgeLowSeverity(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	deleted, err := s.store.PurgeAuditEvents(ctx, models.SeverityLow, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.Record(ctx, &models.AuditEvent{
			Action:      "audit_log_purged",
			NewValues:   map[string]any{"deleted": deleted, "cutoff": cutoff},
			Severity:    models.SeverityLow,
			Description: "Purged old low-severity audit events",
		})
	}
	return deleted, nil
}
