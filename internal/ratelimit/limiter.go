// Package ratelimit enforces per-IP request limits and detects anomalous
// traffic: endpoint-class rate limits, bot user-agent throttling, burst
// blocking, access-pattern diversity tracking and a progressive penalty box.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/store"
	"github.com/org/credvault/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	burstWindow    = 10 * time.Second
	burstThreshold = 20
	blockDuration  = 5 * time.Minute

	botMaxRequests = 10
	botWindow      = time.Hour

	patternHistory   = 50
	patternWindow    = 60 * time.Second
	patternThreshold = 10

	penaltyTTL      = time.Hour
	maxPenaltyDelay = 30 * time.Second
)

// suspiciousAgents are case-insensitive substrings that mark a user agent
// as automated tooling.
var suspiciousAgents = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python", "java", "go-http", "okhttp", "apache-httpclient",
}

// limitClass is a named (max attempts, window) pair for an endpoint class.
type limitClass struct {
	name   string
	max    int64
	window time.Duration
}

var (
	classLogin       = limitClass{"login", 5, 15 * time.Minute}
	classAPI         = limitClass{"api", 200, time.Minute}
	classPasswordOps = limitClass{"password_operations", 50, 5 * time.Minute}
	classDefault     = limitClass{"default", 100, time.Minute}
)

func classify(path string) limitClass {
	switch {
	case strings.Contains(path, "login"):
		return classLogin
	case strings.Contains(path, "password"):
		return classPasswordOps
	case strings.HasPrefix(path, "/v1/"):
		return classAPI
	default:
		return classDefault
	}
}

// RequestInfo is the slice of an inbound request the limiter inspects.
type RequestInfo struct {
	IP        string
	Path      string
	Method    string
	UserAgent string
}

// Limiter runs the rate-limit and anomaly checks against the shared store.
// All counter updates are atomic increments in the store, so concurrent
// requests from the same IP never under-count.
type Limiter struct {
	kv      store.KV
	auditor audit.Recorder
	sleep   func(time.Duration)
}

// New creates a Limiter. The penalty delay uses time.Sleep.
func New(kv store.KV, auditor audit.Recorder) *Limiter {
	return &Limiter{kv: kv, auditor: auditor, sleep: time.Sleep}
}

// SetSleep replaces the penalty delay function. Tests use this to avoid
// real sleeps.
func (l *Limiter) SetSleep(fn func(time.Duration)) {
	l.sleep = fn
}

// Check runs the full per-request sequence: block list, endpoint limit,
// user-agent heuristics, burst detection, pattern tracking and finally the
// penalty-box delay. The first violation aborts the rest.
func (l *Limiter) Check(ctx context.Context, req RequestInfo) error {
	if err := l.CheckBlocked(ctx, req.IP); err != nil {
		return err
	}
	if err := l.CheckEndpointLimit(ctx, req.IP, req.Path); err != nil {
		return err
	}
	if err := l.CheckUserAgent(ctx, req.IP, req.UserAgent, req.Path); err != nil {
		return err
	}
	if err := l.CheckBurst(ctx, req.IP); err != nil {
		return err
	}
	if err := l.CheckPatternDiversity(ctx, req.IP, req.Path, req.Method); err != nil {
		return err
	}
	return l.ApplyPenalty(ctx, req.IP)
}

// CheckBlocked rejects requests from IPs under an active burst block.
func (l *Limiter) CheckBlocked(ctx context.Context, ip string) error {
	_, blocked, err := l.kv.Get(ctx, "blocked_ip:"+ip)
	if err != nil {
		return fmt.Errorf("checking block list: %w", err)
	}
	if blocked {
		return models.NewViolation(models.ViolationRateLimit, 429, "IP temporarily blocked")
	}
	return nil
}

// CheckEndpointLimit applies the endpoint-class limit for the request path.
func (l *Limiter) CheckEndpointLimit(ctx context.Context, ip, path string) error {
	class := classify(path)
	key := fmt.Sprintf("%s_attempts:%s", class.name, ip)
	count, err := l.kv.Incr(ctx, key, class.window)
	if err != nil {
		return fmt.Errorf("incrementing %s counter: %w", class.name, err)
	}
	if count > class.max {
		l.record(ctx, "rate_limit_exceeded", ip, map[string]any{
			"endpoint_class": class.name,
			"attempts":       count,
			"max_attempts":   class.max,
		})
		return models.NewViolation(models.ViolationRateLimit, 429,
			fmt.Sprintf("too many %s requests, try again later", class.name))
	}
	return nil
}

// CheckUserAgent applies a stricter secondary limit to blank or bot-like
// user agents before blocking them outright.
func (l *Limiter) CheckUserAgent(ctx context.Context, ip, ua, path string) error {
	if !IsSuspiciousUserAgent(ua) {
		return nil
	}
	l.record(ctx, "suspicious_user_agent", ip, map[string]any{
		"user_agent": ua,
		"endpoint":   path,
	})
	count, err := l.kv.Incr(ctx, "bot_requests:"+ip, botWindow)
	if err != nil {
		return fmt.Errorf("incrementing bot counter: %w", err)
	}
	if count > botMaxRequests {
		return models.NewViolation(models.ViolationRateLimit, 429,
			"automated requests detected, access temporarily restricted")
	}
	return nil
}

// IsSuspiciousUserAgent reports whether a user agent is blank or matches
// a known automation signature.
func IsSuspiciousUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, pattern := range suspiciousAgents {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// CheckBurst records the request in the 10-second rolling window and
// blocks the IP for 5 minutes when the burst threshold is crossed.
func (l *Limiter) CheckBurst(ctx context.Context, ip string) error {
	count, err := l.kv.RecordTimestamp(ctx, "rapid_requests:"+ip, burstWindow, time.Minute)
	if err != nil {
		return fmt.Errorf("recording burst timestamp: %w", err)
	}
	if count <= burstThreshold {
		return nil
	}
	if err := l.kv.Set(ctx, "blocked_ip:"+ip, []byte("1"), blockDuration); err != nil {
		return fmt.Errorf("blocking ip: %w", err)
	}
	l.record(ctx, "rapid_requests_detected", ip, map[string]any{
		"requests_count": count,
		"time_window":    "10_seconds",
	})
	return models.NewViolation(models.ViolationRateLimit, 429,
		"rapid requests detected, IP temporarily blocked")
}

type patternEntry struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Time     int64  `json:"time"`
}

// CheckPatternDiversity tracks the last 50 (endpoint, method, time) tuples
// per IP and audits, without blocking, when an IP touches more than 10
// distinct endpoints inside 60 seconds.
func (l *Limiter) CheckPatternDiversity(ctx context.Context, ip, path, method string) error {
	entry, err := json.Marshal(patternEntry{Endpoint: path, Method: method, Time: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encoding pattern entry: %w", err)
	}
	entries, err := l.kv.PushCapped(ctx, "endpoint_pattern:"+ip, entry, patternHistory, time.Hour)
	if err != nil {
		return fmt.Errorf("recording access pattern: %w", err)
	}

	cutoff := time.Now().Add(-patternWindow).Unix()
	recent := make(map[string]struct{})
	for _, raw := range entries {
		var p patternEntry
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Time >= cutoff {
			recent[p.Endpoint] = struct{}{}
		}
	}
	if len(recent) > patternThreshold {
		l.record(ctx, "unusual_access_pattern", ip, map[string]any{
			"unique_endpoints": len(recent),
			"time_window":      "60_seconds",
		})
	}
	return nil
}

// ApplyPenalty delays the current request when the IP has accumulated
// penalties: min(penalties*2, 30) seconds. A throttle, not a rejection.
func (l *Limiter) ApplyPenalty(ctx context.Context, ip string) error {
	penalties, err := l.kv.GetCount(ctx, "penalty_box:"+ip)
	if err != nil {
		return fmt.Errorf("reading penalty box: %w", err)
	}
	if penalties == 0 {
		return nil
	}
	delay := time.Duration(penalties) * 2 * time.Second
	if delay > maxPenaltyDelay {
		delay = maxPenaltyDelay
	}
	log.Debug().Str("ip", ip).Dur("delay", delay).Msg("applying progressive penalty")
	l.sleep(delay)
	l.record(ctx, "progressive_penalty_applied", ip, map[string]any{
		"penalty_count": penalties,
		"delay_seconds": int(delay.Seconds()),
	})
	return nil
}

// AddPenalty increments the penalty counter for an IP with a 1-hour TTL.
// Called by other pipeline stages when they detect a violation.
func (l *Limiter) AddPenalty(ctx context.Context, ip string) {
	if _, err := l.kv.Incr(ctx, "penalty_box:"+ip, penaltyTTL); err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("failed to record penalty")
	}
}

func (l *Limiter) record(ctx context.Context, action, ip string, values map[string]any) {
	values["ip_address"] = ip
	l.auditor.Record(ctx, &models.AuditEvent{
		Action:      action,
		NewValues:   values,
		ClientIP:    ip,
		Severity:    models.SeverityHigh,
		Description: fmt.Sprintf("rate limiting: %s from IP %s", action, ip),
	})
}
