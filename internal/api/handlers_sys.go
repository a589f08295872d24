package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if count, err := s.store.CountEnvelopes(ctx); err == nil {
		secretsTotal.Set(float64(count))
	}
	if count, err := s.store.CountActiveSessions(ctx); err == nil {
		activeSessionsTotal.Set(float64(count))
	}
	rotationDue := s.keys.NeedsRotation()
	if rotationDue {
		keyRotationNeeded.Set(1)
	} else {
		keyRotationNeeded.Set(0)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"key_rotation_due": rotationDue,
		"version":          "1.0.0",
	})
}

// RotateHandler handles POST /v1/sys/rotate. Every stored envelope is
// re-encrypted under the new key; only the active key version is ever
// retained, so decryption must happen before the swap.
func (s *Server) RotateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()

	paths, err := s.store.ListEnvelopes(ctx, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type pending struct {
		plaintext string
		metadata  map[string]string
	}
	secrets := make(map[string]pending, len(paths))
	for _, path := range paths {
		env, err := s.store.ReadEnvelope(ctx, path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		plaintext, err := s.engine.Decrypt(ctx, env)
		if err != nil {
			writeCryptoError(w, err)
			return
		}
		secrets[path] = pending{plaintext: plaintext, metadata: env.Metadata}
	}

	version, err := s.keys.Rotate(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for path, p := range secrets {
		env, err := s.engine.Encrypt(ctx, p.plaintext, p.metadata)
		if err != nil {
			writeCryptoError(w, err)
			return
		}
		if err := s.store.WriteEnvelope(ctx, path, env); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"key_version": version,
			"reencrypted": len(secrets),
		},
	})
}

// BackupHandler handles POST /v1/sys/backup
func (s *Server) BackupHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	path, err := s.keys.BackupKey(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"backup_file": filepath.Base(path)},
	})
}

// RotationStatusHandler handles GET /v1/sys/rotation-status
func (s *Server) RotationStatusHandler(w http.ResponseWriter, r *http.Request) {
	if tokenFromCtx(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.keys.Status()})
}

// AuditLogHandler handles GET /v1/sys/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if tokenFromCtx(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{
		Action: q.Get("action"),
		Limit:  100,
	}
	if sev := q.Get("severity"); sev != "" {
		severity := models.Severity(sev)
		if !severity.Valid() {
			writeError(w, http.StatusBadRequest, "invalid severity")
			return
		}
		filter.Severity = severity
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err == nil {
			filter.Since = &t
		}
	}

	events, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

// AuditPurgeHandler handles POST /v1/sys/audit-purge. Deletes low-severity
// events older than the retention window (default 90 days); higher
// severities are never purged.
func (s *Server) AuditPurgeHandler(w http.ResponseWriter, r *http.Request) {
	if tokenFromCtx(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	retention := 90 * 24 * time.Hour
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.RetentionDays > 0 {
			retention = time.Duration(req.RetentionDays) * 24 * time.Hour
		}
	}

	deleted, err := s.auditor.PurgeLowSeverity(r.Context(), retention)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"deleted": deleted},
	})
}

// SessionsHandler handles GET /v1/sys/sessions, listing the caller's
// tracked sessions.
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessions := s.sessions.ActiveSessions(r.Context(), token.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"sessions": sessions},
	})
}
