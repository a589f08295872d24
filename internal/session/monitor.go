// Package session binds authenticated sessions to an IP/user-agent
// fingerprint, detects hijacking, and caps concurrent sessions per user.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/store"
	"github.com/org/credvault/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	fingerprintTTL    = 24 * time.Hour
	maxSessions       = 3
	inactivityTimeout = 2 * time.Hour
)

// Fingerprint is the stored security baseline of one session.
type Fingerprint struct {
	CreatedAt     time.Time `json:"created_at"`
	IP            string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	LastActivity  time.Time `json:"last_activity"`
	ActivityCount int64     `json:"activity_count"`
}

type registryEntry struct {
	IP           string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	LastActivity time.Time `json:"last_activity"`
}

// Invalidator revokes a session's credentials when the monitor flags it.
type Invalidator interface {
	Invalidate(ctx context.Context, sessionID string) error
}

// Identity names the authenticated principal behind a request.
type Identity struct {
	UserID    string
	Email     string
	SessionID string
}

// Monitor tracks session fingerprints in the shared store. A flagged
// session is terminated: audited at critical, invalidated, and the
// request aborted with 401. There is no recovery from that transition.
type Monitor struct {
	kv          store.KV
	auditor     audit.Recorder
	invalidator Invalidator
	now         func() time.Time
}

// NewMonitor creates a Monitor. invalidator may be nil when no credential
// revocation backend is wired (tests).
func NewMonitor(kv store.KV, auditor audit.Recorder, invalidator Invalidator) *Monitor {
	return &Monitor{kv: kv, auditor: auditor, invalidator: invalidator, now: time.Now}
}

// SetClock replaces the monitor's time source for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Observe runs the full per-request session check for an authenticated
// identity: fingerprint creation or hijack comparison, activity update,
// and concurrent-session registry maintenance.
func (m *Monitor) Observe(ctx context.Context, id Identity, ip, ua string) error {
	key := fingerprintKey(id.UserID, id.SessionID)
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading session fingerprint: %w", err)
	}

	now := m.now()
	if !ok {
		fp := Fingerprint{
			CreatedAt:     now,
			IP:            ip,
			UserAgent:     ua,
			LastActivity:  now,
			ActivityCount: 1,
		}
		if err := m.put(ctx, key, &fp); err != nil {
			return err
		}
		m.auditor.Record(ctx, &models.AuditEvent{
			Action: "new_session_created",
			NewValues: map[string]any{
				"user_id":    id.UserID,
				"session_id": shortID(id.SessionID),
				"ip_address": ip,
				"user_agent": ua,
			},
			ClientIP:    ip,
			UserAgent:   ua,
			SessionID:   shortID(id.SessionID),
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("New session created for user %s", id.Email),
		})
		return m.updateRegistry(ctx, id, ip, ua, now)
	}

	var fp Fingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return fmt.Errorf("decoding session fingerprint: %w", err)
	}

	if reasons := m.suspicionReasons(&fp, ip, ua, now); len(reasons) > 0 {
		return m.terminate(ctx, id, ip, ua, reasons)
	}

	fp.LastActivity = now
	fp.ActivityCount++
	if err := m.put(ctx, key, &fp); err != nil {
		return err
	}
	return m.updateRegistry(ctx, id, ip, ua, now)
}

func (m *Monitor) suspicionReasons(fp *Fingerprint, ip, ua string, now time.Time) []string {
	var reasons []string
	if ip != fp.IP && !sameSubnet(fp.IP, ip) {
		reasons = append(reasons, "IP address changed")
	}
	if ua != fp.UserAgent && !allowedUserAgentChange(fp.UserAgent, ua) {
		reasons = append(reasons, "User agent changed significantly")
	}
	if unusualActivity(fp, now) {
		reasons = append(reasons, "Unusual activity pattern detected")
	}
	return reasons
}

// terminate handles the suspicious transition: critical audit, credential
// revocation, fingerprint removal and a 401 abort.
func (m *Monitor) terminate(ctx context.Context, id Identity, ip, ua string, reasons []string) error {
	m.auditor.Record(ctx, &models.AuditEvent{
		Action: "suspicious_session_detected",
		NewValues: map[string]any{
			"user_id":    id.UserID,
			"session_id": shortID(id.SessionID),
			"ip_address": ip,
			"user_agent": ua,
			"reasons":    reasons,
		},
		ClientIP:    ip,
		UserAgent:   ua,
		SessionID:   shortID(id.SessionID),
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("Suspicious session activity detected for user %s: %s", id.Email, strings.Join(reasons, ", ")),
	})

	if err := m.kv.Delete(ctx, fingerprintKey(id.UserID, id.SessionID)); err != nil {
		log.Warn().Err(err).Msg("failed to delete session fingerprint")
	}
	m.removeFromRegistry(ctx, id.UserID, id.SessionID)
	if m.invalidator != nil {
		if err := m.invalidator.Invalidate(ctx, id.SessionID); err != nil {
			log.Warn().Err(err).Msg("failed to invalidate session")
		}
	}
	return models.NewViolation(models.ViolationSessionIntegrity, 401,
		"session security violation detected, please log in again")
}

func unusualActivity(fp *Fingerprint, now time.Time) bool {
	ageMinutes := int(now.Sub(fp.CreatedAt).Minutes())
	if ageMinutes < 5 && fp.ActivityCount > 100 {
		return true
	}
	if ageMinutes > 0 && fp.ActivityCount/int64(ageMinutes) > 10 {
		return true
	}
	return false
}

// sameSubnet reports whether two dotted-quad IPv4 addresses share the same
// first three octets. Non-IPv4 forms never match.
func sameSubnet(a, b string) bool {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	if len(pa) != 4 || len(pb) != 4 {
		return false
	}
	return pa[0] == pb[0] && pa[1] == pb[1] && pa[2] == pb[2]
}

// allowedUserAgentChange tolerates minor user-agent drift (version bumps)
// as long as both the browser family and OS family are unchanged.
func allowedUserAgentChange(original, current string) bool {
	if original == "" || current == "" {
		return false
	}
	return browserFamily(original) == browserFamily(current) &&
		osFamily(original) == osFamily(current)
}

func browserFamily(ua string) string {
	switch {
	case strings.Contains(ua, "Chrome"):
		return "Chrome"
	case strings.Contains(ua, "Firefox"):
		return "Firefox"
	case strings.Contains(ua, "Safari"):
		return "Safari"
	case strings.Contains(ua, "Edge"):
		return "Edge"
	default:
		return "unknown"
	}
}

func osFamily(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Mac"):
		return "Mac"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iOS"):
		return "iOS"
	default:
		return "unknown"
	}
}

// --- Concurrent session registry ---

func (m *Monitor) updateRegistry(ctx context.Context, id Identity, ip, ua string, now time.Time) error {
	key := "user_sessions:" + id.UserID
	sessions := m.loadRegistry(ctx, key)

	sessions[id.SessionID] = registryEntry{IP: ip, UserAgent: ua, LastActivity: now}

	for sid, entry := range sessions {
		if now.Sub(entry.LastActivity) >= inactivityTimeout {
			delete(sessions, sid)
		}
	}

	if len(sessions) > maxSessions {
		type aged struct {
			sid   string
			entry registryEntry
		}
		ordered := make([]aged, 0, len(sessions))
		for sid, entry := range sessions {
			ordered = append(ordered, aged{sid, entry})
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].entry.LastActivity.Before(ordered[j].entry.LastActivity)
		})
		for _, victim := range ordered[:len(ordered)-maxSessions] {
			delete(sessions, victim.sid)
		}
		m.auditor.Record(ctx, &models.AuditEvent{
			Action: "concurrent_session_limit_enforced",
			NewValues: map[string]any{
				"user_id":         id.UserID,
				"active_sessions": len(sessions),
			},
			ClientIP:    ip,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("Concurrent session limit enforced for user %s", id.Email),
		})
	}

	return m.saveRegistry(ctx, key, sessions)
}

func (m *Monitor) removeFromRegistry(ctx context.Context, userID, sessionID string) {
	key := "user_sessions:" + userID
	sessions := m.loadRegistry(ctx, key)
	if _, ok := sessions[sessionID]; !ok {
		return
	}
	delete(sessions, sessionID)
	if err := m.saveRegistry(ctx, key, sessions); err != nil {
		log.Warn().Err(err).Msg("failed to update session registry")
	}
}

// ActiveSessions returns the tracked sessions for a user, for operator
// inspection. The map is a snapshot, safe to mutate.
func (m *Monitor) ActiveSessions(ctx context.Context, userID string) map[string]time.Time {
	sessions := m.loadRegistry(ctx, "user_sessions:"+userID)
	out := make(map[string]time.Time, len(sessions))
	for sid, entry := range sessions {
		out[sid] = entry.LastActivity
	}
	return out
}

func (m *Monitor) loadRegistry(ctx context.Context, key string) map[string]registryEntry {
	raw, ok, err := m.kv.Get(ctx, key)
	if err != nil || !ok {
		return map[string]registryEntry{}
	}
	sessions := map[string]registryEntry{}
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return map[string]registryEntry{}
	}
	return sessions
}

func (m *Monitor) saveRegistry(ctx context.Context, key string, sessions map[string]registryEntry) error {
	raw, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encoding session registry: %w", err)
	}
	if err := m.kv.Set(ctx, key, raw, fingerprintTTL); err != nil {
		return fmt.Errorf("saving session registry: %w", err)
	}
	return nil
}

func (m *Monitor) put(ctx context.Context, key string, fp *Fingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encoding session fingerprint: %w", err)
	}
	if err := m.kv.Set(ctx, key, raw, fingerprintTTL); err != nil {
		return fmt.Errorf("saving session fingerprint: %w", err)
	}
	return nil
}

func fingerprintKey(userID, sessionID string) string {
	return fmt.Sprintf("session_security:%s:%s", userID, sessionID)
}

func shortID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8] + "..."
}
