// Package pipeline composes the security stages into ordered HTTP
// middleware: rate limiting and anomaly detection, payload sanitization,
// threat scanning, upload validation and session-integrity monitoring.
// Any stage can abort the request with a typed violation; security
// headers are attached to every response, aborted or not.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/org/credvault/internal/ratelimit"
	"github.com/org/credvault/internal/sanitize"
	"github.com/org/credvault/internal/session"
	"github.com/org/credvault/pkg/models"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 12 << 20

// IdentityFunc extracts the authenticated identity from a request context,
// reporting false when the request is unauthenticated.
type IdentityFunc func(ctx context.Context) (session.Identity, bool)

// Pipeline wires the request-inspection stages together.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	scanner  *sanitize.Scanner
	sessions *session.Monitor
}

// New creates a Pipeline from its stages.
func New(limiter *ratelimit.Limiter, scanner *sanitize.Scanner, sessions *session.Monitor) *Pipeline {
	return &Pipeline{limiter: limiter, scanner: scanner, sessions: sessions}
}

// Middleware runs the pre-authentication stages in order: rate limit and
// anomaly checks, body sanitization, threat scan, upload validation, then
// the penalty-box delay inside the limiter. JSON bodies are replaced with
// their sanitized form so handlers only ever see normalized input.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isAdminPath(r.URL.Path))

		ip := ClientIP(r)
		meta := sanitize.RequestMeta{
			IP:        ip,
			Method:    r.Method,
			Path:      r.URL.Path,
			URL:       r.URL.String(),
			UserAgent: r.UserAgent(),
		}

		if err := p.limiter.Check(r.Context(), ratelimit.RequestInfo{
			IP:        ip,
			Path:      r.URL.Path,
			Method:    r.Method,
			UserAgent: r.UserAgent(),
		}); err != nil {
			abort(w, err)
			return
		}

		payload, err := p.prepareBody(r)
		if err != nil {
			abort(w, err)
			return
		}

		// Query parameters are part of the scanned surface via the URL;
		// their values also scan individually so encoding in a key or
		// value is not hidden by URL escaping.
		for key, vals := range r.URL.Query() {
			payload = append(payload, key)
			for _, v := range vals {
				payload = append(payload, sanitize.String(v))
			}
		}

		if err := p.scanner.ScanRequest(r.Context(), meta, anySlice(payload)); err != nil {
			abort(w, err)
			return
		}

		if err := p.validateUploads(r, meta); err != nil {
			abort(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SessionGuard runs the session-integrity stage. It must be mounted after
// authentication so the identity is available; unauthenticated requests
// pass through untouched.
func (p *Pipeline) SessionGuard(identityFrom IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if err := p.sessions.Observe(r.Context(), id, ClientIP(r), r.UserAgent()); err != nil {
				abort(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// prepareBody sanitizes a JSON request body in place and returns its
// string leaves for the threat scan. Non-JSON bodies are left alone.
func (p *Pipeline) prepareBody(r *http.Request) ([]string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	r.Body.Close() //nolint:errcheck

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Malformed JSON is the handler's 400 to give; restore the body.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		return nil, nil
	}

	cleaned := sanitize.Sanitize(payload)
	rewritten, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("reserializing sanitized body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(rewritten))
	r.ContentLength = int64(len(rewritten))

	return sanitize.CollectStrings(cleaned), nil
}

// validateUploads parses multipart uploads and runs every file through
// the upload checks. The parsed form stays on the request for handlers.
func (p *Pipeline) validateUploads(r *http.Request, meta sanitize.RequestMeta) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return nil
	}
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		return models.NewViolation(models.ViolationInvalidUpload, 400, "malformed multipart body")
	}

	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				return models.NewViolation(models.ViolationInvalidUpload, 400, "unreadable upload")
			}
			content, err := io.ReadAll(io.LimitReader(f, maxBodyBytes))
			f.Close() //nolint:errcheck
			if err != nil {
				return models.NewViolation(models.ViolationInvalidUpload, 400, "unreadable upload")
			}

			file := &models.UploadedFile{
				Name:      hdr.Filename,
				Size:      hdr.Size,
				Extension: extensionOf(hdr.Filename),
				MIMEType:  mediaTypeOf(hdr.Header.Get("Content-Type")),
				Content:   content,
			}
			if err := p.scanner.ValidateUpload(r.Context(), meta, file); err != nil {
				return err
			}
		}
	}
	return nil
}

func extensionOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

func mediaTypeOf(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}

func anySlice(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}

// abort writes a violation as a JSON error response. Non-violation errors
// fail closed as a 500 rather than skipping a security stage.
func abort(w http.ResponseWriter, err error) {
	var v *models.Violation
	if errors.As(err, &v) {
		writeError(w, v.Status, v.Message)
		return
	}
	log.Error().Err(err).Msg("pipeline stage failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// ClientIP extracts the caller's IP, honoring X-Forwarded-For from a
// fronting proxy and stripping any port from RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
