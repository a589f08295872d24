package models

import "time"

// SessionToken represents one authenticated session. The plaintext token is
// returned to the client exactly once; only its SHA-256 hash is stored.
type SessionToken struct {
	ID        string
	UserID    string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IsExpired returns true if the token has passed its expiry time.
func (t *SessionToken) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *SessionToken) IsRevoked() bool {
	return t.RevokedAt != nil
}
