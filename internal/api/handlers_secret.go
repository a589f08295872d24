package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/org/credvault/internal/keymgr"
	"github.com/org/credvault/internal/passcrypt"
	"github.com/org/credvault/internal/pipeline"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// SecretPutHandler handles POST /v1/secret/data/*path
func (s *Server) SecretPutHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := chi.URLParam(r, "*")

	var req struct {
		Password string            `json:"password"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	env, err := s.engine.Encrypt(r.Context(), req.Password, req.Metadata)
	if err != nil {
		writeCryptoError(w, err)
		return
	}
	if err := s.store.WriteEnvelope(r.Context(), path, env); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	actor := token.UserID
	s.auditor.Record(r.Context(), &models.AuditEvent{
		Action:      "secret_written",
		ActorID:     &actor,
		Resource:    &models.Resource{Kind: "secret", ID: path},
		NewValues:   map[string]any{"key_version": env.KeyVersion},
		ClientIP:    pipeline.ClientIP(r),
		SessionID:   token.ID,
		Severity:    models.SeverityLow,
		Description: "Secret written at " + path,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"key_version":  env.KeyVersion,
			"encrypted_at": env.EncryptedAt,
		},
	})
}

// SecretGetHandler handles GET /v1/secret/data/*path
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := chi.URLParam(r, "*")

	env, err := s.store.ReadEnvelope(r.Context(), path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "secret not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	plaintext, err := s.engine.Decrypt(r.Context(), env)
	if err != nil {
		writeCryptoError(w, err)
		return
	}

	actor := token.UserID
	s.auditor.Record(r.Context(), &models.AuditEvent{
		Action:      "secret_read",
		ActorID:     &actor,
		Resource:    &models.Resource{Kind: "secret", ID: path},
		ClientIP:    pipeline.ClientIP(r),
		SessionID:   token.ID,
		Severity:    models.SeverityLow,
		Description: "Secret read at " + path,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"password": plaintext,
			"metadata": env.Metadata,
			"version":  env.KeyVersion,
		},
	})
}

// SecretDeleteHandler handles DELETE /v1/secret/data/*path
func (s *Server) SecretDeleteHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := chi.URLParam(r, "*")

	if err := s.store.DeleteEnvelope(r.Context(), path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	actor := token.UserID
	s.auditor.Record(r.Context(), &models.AuditEvent{
		Action:      "secret_deleted",
		ActorID:     &actor,
		Resource:    &models.Resource{Kind: "secret", ID: path},
		ClientIP:    pipeline.ClientIP(r),
		SessionID:   token.ID,
		Severity:    models.SeverityMedium,
		Description: "Secret deleted at " + path,
	})
	w.WriteHeader(http.StatusNoContent)
}

// SecretListHandler handles GET /v1/secret/metadata/*prefix
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	if tokenFromCtx(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	prefix := chi.URLParam(r, "*")

	paths, err := s.store.ListEnvelopes(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"keys": paths},
	})
}

// SecretExportHandler handles GET /v1/secret/export. Envelopes leave
// as-is: ciphertext, nonce and checksum, never plaintext. The export is
// importable only by a vault holding the same active key.
func (s *Server) SecretExportHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	prefix := r.URL.Query().Get("prefix")

	paths, err := s.store.ListEnvelopes(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	envelopes := make(map[string]*models.SecretEnvelope, len(paths))
	for _, path := range paths {
		env, err := s.store.ReadEnvelope(r.Context(), path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		envelopes[path] = env
	}

	actor := token.UserID
	s.auditor.Record(r.Context(), &models.AuditEvent{
		Action:      "secrets_exported",
		ActorID:     &actor,
		NewValues:   map[string]any{"count": len(envelopes)},
		ClientIP:    pipeline.ClientIP(r),
		SessionID:   token.ID,
		Severity:    models.SeverityMedium,
		Description: "Encrypted secrets exported",
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"envelopes": envelopes},
	})
}

type importEntry struct {
	Path     string            `json:"path"`
	Password string            `json:"password"`
	Metadata map[string]string `json:"metadata"`
}

// SecretImportHandler handles POST /v1/secret/import. The multipart body
// has already passed upload validation in the pipeline; the handler only
// parses entries and encrypts them one by one.
func (s *Server) SecretImportHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	if token == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}

	var imported, failed int
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			if !strings.HasSuffix(strings.ToLower(hdr.Filename), ".json") {
				writeError(w, http.StatusBadRequest, "only JSON imports are supported")
				return
			}
			f, err := hdr.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable upload")
				return
			}
			content, err := io.ReadAll(f)
			f.Close() //nolint:errcheck
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable upload")
				return
			}

			var entries []importEntry
			if err := json.Unmarshal(content, &entries); err != nil {
				writeError(w, http.StatusBadRequest, "invalid import format")
				return
			}
			for _, entry := range entries {
				if entry.Path == "" || entry.Password == "" {
					failed++
					continue
				}
				env, err := s.engine.Encrypt(r.Context(), entry.Password, entry.Metadata)
				if err != nil {
					writeCryptoError(w, err)
					return
				}
				if err := s.store.WriteEnvelope(r.Context(), entry.Path, env); err != nil {
					failed++
					continue
				}
				imported++
			}
		}
	}

	actor := token.UserID
	s.auditor.Record(r.Context(), &models.AuditEvent{
		Action:      "secrets_imported",
		ActorID:     &actor,
		NewValues:   map[string]any{"imported": imported, "failed": failed},
		ClientIP:    pipeline.ClientIP(r),
		SessionID:   token.ID,
		Severity:    models.SeverityMedium,
		Description: "Secrets imported from upload",
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"imported": imported, "failed": failed},
	})
}

// writeCryptoError maps cryptography failures to responses, keeping the
// checksum-mismatch case distinguishable from key trouble.
func writeCryptoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, passcrypt.ErrChecksumMismatch):
		writeError(w, http.StatusInternalServerError, "secret integrity verification failed")
	case errors.Is(err, keymgr.ErrKeyIntegrity):
		writeError(w, http.StatusInternalServerError, "encryption key integrity check failed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
