// Package auth issues and validates opaque session tokens for vault users.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const tokenPrefix = "cvt_"

// ErrInvalidCredentials is returned for a failed login. The same error
// covers unknown email and wrong password so responses do not reveal
// which one failed.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrInvalidToken is returned when a presented token is unknown, expired
// or revoked.
var ErrInvalidToken = errors.New("invalid token")

// User is a provisioned vault user. PasswordHash is a bcrypt hash; users
// are configured statically, there is no self-registration.
type User struct {
	ID           string
	Email        string
	PasswordHash string
}

// Service handles login, token validation, and session revocation.
type Service struct {
	store    storage.StorageBackend
	auditor  audit.Recorder
	users    map[string]User // keyed by email
	tokenTTL time.Duration
}

// NewService creates an auth Service over the given user set.
func NewService(store storage.StorageBackend, auditor audit.Recorder, users []User, tokenTTL time.Duration) *Service {
	byEmail := make(map[string]User, len(users))
	for _, u := range users {
		byEmail[u.Email] = u
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{store: store, auditor: auditor, users: byEmail, tokenTTL: tokenTTL}
}

// Login verifies credentials and issues a session token. Returns the token
// model and the plaintext token string, shown once to the caller. Failed
// attempts are audited at high severity.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*models.SessionToken, string, error) {
	user, ok := s.users[email]
	if ok {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
			return s.issueToken(ctx, user, ip, userAgent)
		}
	} else {
		// Burn comparable time for unknown users so timing does not
		// distinguish them from a wrong password.
		bcrypt.CompareHashAndPassword( //nolint:errcheck
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0XyVDWTtiDJ0B1mdHb1Jl3Y6G2a"), []byte(password))
	}

	s.auditor.Record(ctx, &models.AuditEvent{
		Action:      "failed_login_attempt",
		NewValues:   map[string]any{"email": email, "ip_address": ip},
		ClientIP:    ip,
		UserAgent:   userAgent,
		Severity:    models.SeverityHigh,
		Description: "Failed login attempt for " + email,
	})
	return nil, "", ErrInvalidCredentials
}

func (s *Service) issueToken(ctx context.Context, user User, ip, userAgent string) (*models.SessionToken, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	token := &models.SessionToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.WriteSessionToken(ctx, token, HashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting token: %w", err)
	}

	actor := user.ID
	s.auditor.Record(ctx, &models.AuditEvent{
		Action:      "user_login",
		ActorID:     &actor,
		NewValues:   map[string]any{"email": user.Email, "ip_address": ip},
		ClientIP:    ip,
		UserAgent:   userAgent,
		SessionID:   token.ID,
		Severity:    models.SeverityLow,
		Description: "User logged in: " + user.Email,
	})
	return token, plaintext, nil
}

// Validate looks up a session token by its plaintext value. Returns
// ErrInvalidToken when the token is unknown, expired, or revoked.
func (s *Service) Validate(ctx context.Context, plaintext string) (*models.SessionToken, error) {
	token, err := s.store.GetSessionToken(ctx, HashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if token.IsRevoked() || token.IsExpired() {
		return nil, ErrInvalidToken
	}
	return token, nil
}

// Logout revokes the session token and audits the event.
func (s *Service) Logout(ctx context.Context, token *models.SessionToken, ip string) error {
	if err := s.store.RevokeSessionToken(ctx, token.ID); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	actor := token.UserID
	s.auditor.Record(ctx, &models.AuditEvent{
		Action:      "user_logout",
		ActorID:     &actor,
		NewValues:   map[string]any{"email": token.Email},
		ClientIP:    ip,
		SessionID:   token.ID,
		Severity:    models.SeverityLow,
		Description: "User logged out: " + token.Email,
	})
	return nil
}

// Invalidate revokes a session by ID. Satisfies the session monitor's
// Invalidator so a hijacked session's token dies with the fingerprint.
func (s *Service) Invalidate(ctx context.Context, sessionID string) error {
	return s.store.RevokeSessionToken(ctx, sessionID)
}

// HashPassword produces a bcrypt hash for provisioning user entries.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// HashToken returns the SHA-256 hex hash of a plaintext token. Only the
// hash is ever persisted.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
