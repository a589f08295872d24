package sanitize

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/pkg/models"
)

// Penalizer is how the scanner reports offending IPs to the rate limiter.
type Penalizer interface {
	AddPenalty(ctx context.Context, ip string)
}

// signature is one named threat pattern.
type signature struct {
	name     string
	category string
	re       *regexp.Regexp
}

// threatSignatures is the ordered taxonomy the scanner evaluates. The
// command-injection and LDAP signatures require injection idioms rather
// than bare metacharacters, so generated passwords containing symbols
// do not false-positive.
var threatSignatures = []signature{
	// XSS
	{"script_tag", "xss", regexp.MustCompile(`(?is)<script\b.*?</script>`)},
	{"javascript_uri", "xss", regexp.MustCompile(`(?i)javascript:`)},
	{"event_handler", "xss", regexp.MustCompile(`(?i)\bon\w+\s*=\s*["']`)},
	{"iframe_tag", "xss", regexp.MustCompile(`(?i)<iframe\b[^>]*>`)},
	{"object_tag", "xss", regexp.MustCompile(`(?i)<object\b[^>]*>`)},
	{"embed_tag", "xss", regexp.MustCompile(`(?i)<embed\b[^>]*>`)},

	// SQL injection
	{"sql_select", "sql_injection", regexp.MustCompile(`(?i)(\bunion\s+select\b|\bselect\s+.+\s+from\b)`)},
	{"sql_mutation", "sql_injection", regexp.MustCompile(`(?i)(\binsert\s+into\b|\bdelete\s+from\b|\bdrop\s+table\b)`)},
	{"sql_exec", "sql_injection", regexp.MustCompile(`(?i)(\bexec\s*\(|\bexecute\s*\()`)},

	// Command injection
	{"shell_chain", "command_injection", regexp.MustCompile(`(?i)[;&|]\s*(cat|ls|rm|wget|curl|bash|sh|nc|powershell|cmd)\b`)},
	{"backtick_exec", "command_injection", regexp.MustCompile("`[^`]+`")},
	{"subshell", "command_injection", regexp.MustCompile(`\$\([^)]*\)`)},
	{"exec_call", "command_injection", regexp.MustCompile(`(?i)\b(eval|exec|system|shell_exec|passthru)\s*\(`)},

	// Path traversal
	{"dot_dot", "path_traversal", regexp.MustCompile(`\.\.[/\\]`)},
	{"system_path", "path_traversal", regexp.MustCompile(`/(etc|proc|sys|dev)/`)},

	// LDAP injection
	{"ldap_filter", "ldap_injection", regexp.MustCompile(`(\(\s*[&|!]\s*\(|=\*\s*\))`)},

	// XXE
	{"xml_entity", "xxe", regexp.MustCompile(`(?i)<!ENTITY\b`)},
	{"xml_system", "xxe", regexp.MustCompile(`(?i)\bSYSTEM\s+["']`)},

	// Template injection
	{"curly_template", "template_injection", regexp.MustCompile(`\{\{.+?\}\}`)},
	{"dollar_template", "template_injection", regexp.MustCompile(`\$\{.+?\}`)},

	// NoSQL injection
	{"nosql_where", "nosql_injection", regexp.MustCompile(`(?i)\$where\b`)},
	{"nosql_ne", "nosql_injection", regexp.MustCompile(`(?i)\$ne\b`)},
	{"nosql_gt", "nosql_injection", regexp.MustCompile(`(?i)\$gt\b`)},
	{"nosql_regex", "nosql_injection", regexp.MustCompile(`(?i)\$regex\b`)},
}

// fileContentSignatures flag embedded scripts and code-execution idioms
// inside uploaded file content.
var fileContentSignatures = []signature{
	{"script_tag", "embedded_script", regexp.MustCompile(`(?i)<script\b`)},
	{"javascript_uri", "embedded_script", regexp.MustCompile(`(?i)javascript:`)},
	{"iframe_tag", "embedded_script", regexp.MustCompile(`(?i)<iframe\b`)},
	{"exec_call", "code_execution", regexp.MustCompile(`(?i)\b(eval|exec|system|shell_exec|passthru|file_get_contents|file_put_contents|fopen|curl_exec)\s*\(`)},
}

const maxUploadSize = 10 * 1024 * 1024

var allowedExtensions = map[string]bool{"json": true, "txt": true, "csv": true}

var allowedMIMETypes = map[string]bool{
	"application/json": true,
	"text/plain":       true,
	"text/csv":         true,
	"application/csv":  true,
}

// RequestMeta carries the request attributes the scanner audits with.
type RequestMeta struct {
	IP        string
	Method    string
	Path      string
	URL       string
	UserAgent string
}

// Scanner evaluates the threat taxonomy against request material and
// validates uploads. Every detection is audited at critical and penalizes
// the source IP before the violation propagates.
type Scanner struct {
	auditor   audit.Recorder
	penalizer Penalizer
}

// NewScanner creates a Scanner.
func NewScanner(auditor audit.Recorder, penalizer Penalizer) *Scanner {
	return &Scanner{auditor: auditor, penalizer: penalizer}
}

// ScanRequest evaluates every signature against the payload's sanitized
// string values, the full URL and the user agent. The first match aborts
// with a 400 violation.
func (s *Scanner) ScanRequest(ctx context.Context, meta RequestMeta, payload any) error {
	serialized := strings.Join(CollectStrings(payload), "\n")
	targets := []string{serialized, meta.URL, meta.UserAgent}

	for _, sig := range threatSignatures {
		for _, target := range targets {
			if target == "" || !sig.re.MatchString(target) {
				continue
			}
			s.flag(ctx, meta, sig, map[string]any{
				"input": truncate(serialized, 500),
				"url":   meta.URL,
			})
			return models.NewViolation(models.ViolationMaliciousInput, 400, "malicious input detected")
		}
	}
	return nil
}

// ValidateUpload checks one uploaded file: size cap, extension allowlist,
// declared MIME allowlist, then content signatures.
func (s *Scanner) ValidateUpload(ctx context.Context, meta RequestMeta, file *models.UploadedFile) error {
	if file.Size > maxUploadSize {
		s.flagUpload(ctx, meta, "oversized_file", file, map[string]any{"file_size": file.Size})
		return models.NewViolation(models.ViolationInvalidUpload, 413, "file too large")
	}

	ext := strings.ToLower(file.Extension)
	if !allowedExtensions[ext] {
		s.flagUpload(ctx, meta, "invalid_file_extension", file, map[string]any{"file_extension": ext})
		return models.NewViolation(models.ViolationInvalidUpload, 400, "invalid file type")
	}

	if !allowedMIMETypes[file.MIMEType] {
		s.flagUpload(ctx, meta, "invalid_mime_type", file, map[string]any{"mime_type": file.MIMEType})
		return models.NewViolation(models.ViolationInvalidUpload, 400, "invalid file format")
	}

	content := string(file.Content)
	for _, sig := range fileContentSignatures {
		if sig.re.MatchString(content) {
			s.flagUpload(ctx, meta, "malicious_file_content", file, map[string]any{"signature": sig.name})
			return models.NewViolation(models.ViolationInvalidUpload, 400, "malicious file content detected")
		}
	}
	return nil
}

func (s *Scanner) flag(ctx context.Context, meta RequestMeta, sig signature, extra map[string]any) {
	values := map[string]any{
		"detection_type": sig.name,
		"category":       sig.category,
		"ip_address":     meta.IP,
		"endpoint":       meta.Path,
		"method":         meta.Method,
		"user_agent":     meta.UserAgent,
	}
	for k, v := range extra {
		values[k] = v
	}
	s.auditor.Record(ctx, &models.AuditEvent{
		Action:      "malicious_input_detected",
		NewValues:   values,
		ClientIP:    meta.IP,
		UserAgent:   meta.UserAgent,
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("malicious input detected: %s from IP %s", sig.name, meta.IP),
	})
	s.penalizer.AddPenalty(ctx, meta.IP)
}

func (s *Scanner) flagUpload(ctx context.Context, meta RequestMeta, kind string, file *models.UploadedFile, extra map[string]any) {
	values := map[string]any{
		"detection_type": kind,
		"file_name":      file.Name,
		"ip_address":     meta.IP,
		"endpoint":       meta.Path,
		"method":         meta.Method,
	}
	for k, v := range extra {
		values[k] = v
	}
	s.auditor.Record(ctx, &models.AuditEvent{
		Action:      "malicious_input_detected",
		NewValues:   values,
		ClientIP:    meta.IP,
		UserAgent:   meta.UserAgent,
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("upload rejected: %s from IP %s", kind, meta.IP),
	})
	s.penalizer.AddPenalty(ctx, meta.IP)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
