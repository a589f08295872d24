package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/pipeline"
	"github.com/org/credvault/pkg/models"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware validates the X-Vault-Token header and attaches the
// session token to context. Routes registered before auth skip this.
func authMiddleware(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := r.Header.Get("X-Vault-Token")
			if plaintext == "" {
				writeError(w, http.StatusUnauthorized, "missing X-Vault-Token header")
				return
			}
			token, err := svc.Validate(r.Context(), plaintext)
			if err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			ctx := withToken(r.Context(), token)
			if actor := auditActorFromCtx(ctx); actor != nil {
				actor.token = token
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// requestAuditMiddleware records every request in the audit log after it
// completes: action derived from method and path, severity from the
// response status, duration and request ID in the payload. Security events
// and secret operations still write their own richer entries.
func (s *Server) requestAuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, actor := withAuditActor(r.Context())
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r.WithContext(ctx))

		event := &models.AuditEvent{
			Action: requestAction(r.Method, r.URL.Path),
			NewValues: map[string]any{
				"method":      r.Method,
				"url":         r.URL.String(),
				"status_code": rr.statusCode,
				"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
				"request_id":  requestIDFromCtx(ctx),
			},
			ClientIP:    pipeline.ClientIP(r),
			UserAgent:   r.UserAgent(),
			Severity:    requestSeverity(r.Method, r.URL.Path, rr.statusCode),
			Description: "HTTP " + r.Method + " request to " + r.URL.Path,
		}
		if actor.token != nil {
			id := actor.token.UserID
			event.ActorID = &id
			event.SessionID = actor.token.ID
		}
		s.auditor.Record(ctx, event)
	})
}

func requestAction(method, path string) string {
	switch {
	case strings.Contains(path, "/login"):
		return "login_attempt"
	case strings.Contains(path, "/logout"):
		return "logout"
	case strings.Contains(path, "/secret"):
		switch method {
		case http.MethodGet:
			return "view_secret"
		case http.MethodPost:
			return "create_secret"
		case http.MethodPut, http.MethodPatch:
			return "update_secret"
		case http.MethodDelete:
			return "delete_secret"
		default:
			return "secret_action"
		}
	}
	switch method {
	case http.MethodGet:
		return "view_resource"
	case http.MethodPost:
		return "create_resource"
	case http.MethodPut, http.MethodPatch:
		return "update_resource"
	case http.MethodDelete:
		return "delete_resource"
	default:
		return "http_request"
	}
}

func requestSeverity(method, path string, status int) models.Severity {
	switch {
	case status >= 500:
		return models.SeverityCritical
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.SeverityHigh
	case status >= 400:
		return models.SeverityMedium
	}
	// Mutations on secrets are sensitive even when they succeed.
	if strings.Contains(path, "/secret") && method != http.MethodGet {
		return models.SeverityHigh
	}
	return models.SeverityLow
}
