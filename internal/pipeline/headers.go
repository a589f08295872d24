package pipeline

import (
	"net/http"
	"strings"
)

var cspDirectives = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self'",
	"style-src 'self'",
	"font-src 'self'",
	"img-src 'self' data:",
	"connect-src 'self'",
	"frame-src 'none'",
	"object-src 'none'",
	"base-uri 'self'",
	"form-action 'self'",
	"frame-ancestors 'none'",
	"upgrade-insecure-requests",
}, "; ")

var permissionsPolicy = strings.Join([]string{
	"camera=()",
	"microphone=()",
	"geolocation=()",
	"payment=()",
	"usb=()",
	"magnetometer=()",
	"accelerometer=()",
	"gyroscope=()",
}, ", ")

// setSecurityHeaders attaches the fixed response-security header set.
// Applied to every response, including aborted ones. Admin paths also
// get no-cache directives.
func setSecurityHeaders(w http.ResponseWriter, adminPath bool) {
	h := w.Header()
	h.Set("Content-Security-Policy", cspDirectives)
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", permissionsPolicy)
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Del("Server")
	h.Del("X-Powered-By")

	if adminPath {
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	}
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/v1/sys/")
}
