package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/org/credvault/internal/store"
	"github.com/org/credvault/pkg/models"
)

type recorderStub struct {
	events []*models.AuditEvent
}

func (r *recorderStub) Record(ctx context.Context, event *models.AuditEvent) {
	r.events = append(r.events, event)
}

func (r *recorderStub) hasAction(action string) bool {
	for _, e := range r.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

func newTestLimiter() (*Limiter, *recorderStub) {
	rec := &recorderStub{}
	l := New(store.NewMemory(), rec)
	l.SetSleep(func(time.Duration) {})
	return l, rec
}

func assertViolation(t *testing.T, err error, status int) *models.Violation {
	t.Helper()
	var v *models.Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected a violation, got %v", err)
	}
	if v.Status != status {
		t.Fatalf("expected status %d, got %d", status, v.Status)
	}
	return v
}

func TestLoginEndpointLimit(t *testing.T) {
	l, rec := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.CheckEndpointLimit(ctx, "10.0.0.1", "/v1/auth/login"); err != nil {
			t.Fatalf("attempt %d should pass: %v", i+1, err)
		}
	}
	err := l.CheckEndpointLimit(ctx, "10.0.0.1", "/v1/auth/login")
	assertViolation(t, err, http.StatusTooManyRequests)
	if !rec.hasAction("rate_limit_exceeded") {
		t.Error("expected rate_limit_exceeded audit event")
	}

	// A different IP is unaffected
	if err := l.CheckEndpointLimit(ctx, "10.0.0.2", "/v1/auth/login"); err != nil {
		t.Errorf("other IP should not be limited: %v", err)
	}
}

func TestEndpointClassification(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/v1/auth/login", "login"},
		{"/v1/password/generate", "password_operations"},
		{"/v1/secret/data/app", "api"},
		{"/metrics", "default"},
	}
	for _, c := range cases {
		if got := classify(c.path).name; got != c.want {
			t.Errorf("classify(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestBurstBlocksIP(t *testing.T) {
	l, rec := newTestLimiter()
	ctx := context.Background()

	var err error
	for i := 0; i < 21; i++ {
		err = l.CheckBurst(ctx, "10.0.0.9")
	}
	assertViolation(t, err, http.StatusTooManyRequests)
	if !rec.hasAction("rapid_requests_detected") {
		t.Error("expected rapid_requests_detected audit event")
	}

	// The block outlives the burst
	err = l.CheckBlocked(ctx, "10.0.0.9")
	assertViolation(t, err, http.StatusTooManyRequests)
}

func TestBurstBelowThresholdPasses(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := l.CheckBurst(ctx, "10.0.0.8"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	if err := l.CheckBlocked(ctx, "10.0.0.8"); err != nil {
		t.Errorf("IP should not be blocked below threshold: %v", err)
	}
}

func TestSuspiciousUserAgents(t *testing.T) {
	suspicious := []string{
		"",
		"curl/8.5.0",
		"python-requests/2.31",
		"Googlebot/2.1",
		"Wget/1.21",
		"okhttp/4.12.0",
	}
	for _, ua := range suspicious {
		if !IsSuspiciousUserAgent(ua) {
			t.Errorf("expected %q to be suspicious", ua)
		}
	}

	legit := []string{
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Gecko/20100101 Firefox/121.0",
	}
	for _, ua := range legit {
		if IsSuspiciousUserAgent(ua) {
			t.Errorf("expected %q to be fine", ua)
		}
	}
}

func TestBotUserAgentThrottled(t *testing.T) {
	l, rec := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.CheckUserAgent(ctx, "10.0.0.5", "curl/8.5.0", "/v1/sys/health"); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	err := l.CheckUserAgent(ctx, "10.0.0.5", "curl/8.5.0", "/v1/sys/health")
	assertViolation(t, err, http.StatusTooManyRequests)
	if !rec.hasAction("suspicious_user_agent") {
		t.Error("expected suspicious_user_agent audit event")
	}
}

func TestPatternDiversityAuditsOnly(t *testing.T) {
	l, rec := newTestLimiter()
	ctx := context.Background()

	paths := []string{
		"/v1/a", "/v1/b", "/v1/c", "/v1/d", "/v1/e", "/v1/f",
		"/v1/g", "/v1/h", "/v1/i", "/v1/j", "/v1/k",
	}
	for _, p := range paths {
		if err := l.CheckPatternDiversity(ctx, "10.0.0.7", p, "GET"); err != nil {
			t.Fatalf("pattern tracking must never block: %v", err)
		}
	}
	if !rec.hasAction("unusual_access_pattern") {
		t.Error("expected unusual_access_pattern audit event after 11 distinct endpoints")
	}
}

func TestProgressivePenaltyDelay(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	var slept time.Duration
	l.SetSleep(func(d time.Duration) { slept = d })

	if err := l.ApplyPenalty(ctx, "10.0.0.3"); err != nil {
		t.Fatalf("clean IP should not be delayed: %v", err)
	}
	if slept != 0 {
		t.Errorf("expected no delay, got %v", slept)
	}

	l.AddPenalty(ctx, "10.0.0.3")
	l.AddPenalty(ctx, "10.0.0.3")
	if err := l.ApplyPenalty(ctx, "10.0.0.3"); err != nil {
		t.Fatalf("ApplyPenalty failed: %v", err)
	}
	if slept != 4*time.Second {
		t.Errorf("expected 4s delay for 2 penalties, got %v", slept)
	}

	// Delay caps at 30 seconds
	for i := 0; i < 20; i++ {
		l.AddPenalty(ctx, "10.0.0.3")
	}
	if err := l.ApplyPenalty(ctx, "10.0.0.3"); err != nil {
		t.Fatalf("ApplyPenalty failed: %v", err)
	}
	if slept != 30*time.Second {
		t.Errorf("expected capped 30s delay, got %v", slept)
	}
}

func TestCheckRunsFullSequence(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	req := RequestInfo{
		IP:        "10.0.0.4",
		Path:      "/v1/secret/data/app",
		Method:    "GET",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0",
	}
	if err := l.Check(ctx, req); err != nil {
		t.Fatalf("benign request should pass the full sequence: %v", err)
	}
}
