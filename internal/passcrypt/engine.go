// Package passcrypt implements the password cryptography engine: envelope
// encryption of secrets with per-secret integrity checksums, password
// strength scoring and secure password generation.
package passcrypt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/keymgr"
	"github.com/org/credvault/pkg/models"
)

// ErrChecksumMismatch signals that a decrypted secret does not match the
// checksum recorded in its envelope. It is distinct from a decryption
// failure: the ciphertext authenticated, but the recovered plaintext is
// not what was originally stored.
var ErrChecksumMismatch = errors.New("secret checksum mismatch")

// Engine encrypts and decrypts secrets under the key manager's active key.
// Every cryptographic operation verifies key integrity first.
type Engine struct {
	keys    *keymgr.Manager
	auditor audit.Recorder
}

// NewEngine creates an Engine bound to a key manager.
func NewEngine(keys *keymgr.Manager, auditor audit.Recorder) *Engine {
	return &Engine{keys: keys, auditor: auditor}
}

// Encrypt seals a plaintext secret into an envelope carrying the ciphertext,
// nonce, method tag, key version and a SHA-256 checksum of the plaintext.
// The intermediate plaintext buffer is wiped before returning; the caller's
// string cannot be wiped (Go strings are immutable), which is an accepted
// limitation of in-memory hygiene here.
func (e *Engine) Encrypt(ctx context.Context, plaintext string, metadata map[string]string) (*models.SecretEnvelope, error) {
	if err := e.keys.VerifyIntegrity(ctx); err != nil {
		return nil, err
	}
	key, version, err := e.keys.ActiveKey()
	if err != nil {
		return nil, err
	}
	defer keymgr.ClearSensitive(key)

	sum := sha256.Sum256([]byte(plaintext))

	buf := []byte(plaintext)
	ciphertext, nonce, err := crypto.EncryptAESGCM(buf, key)
	keymgr.ClearSensitive(buf)
	if err != nil {
		e.auditor.Record(ctx, &models.AuditEvent{
			Action:      "secret_encryption_failed",
			NewValues:   map[string]any{"error": err.Error()},
			Severity:    models.SeverityHigh,
			Description: "Secret encryption failed",
		})
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	return &models.SecretEnvelope{
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		Method:      models.EncryptionMethodAESGCM,
		EncryptedAt: time.Now().UTC(),
		KeyVersion:  version,
		Checksum:    hex.EncodeToString(sum[:]),
		Metadata:    metadata,
	}, nil
}

// Decrypt opens an envelope and verifies the recovered plaintext against
// the stored checksum in constant time. A checksum mismatch returns
// ErrChecksumMismatch and is audited; it is never silently corrected.
func (e *Engine) Decrypt(ctx context.Context, env *models.SecretEnvelope) (string, error) {
	if err := e.keys.VerifyIntegrity(ctx); err != nil {
		return "", err
	}
	key, _, err := e.keys.ActiveKey()
	if err != nil {
		return "", err
	}
	defer keymgr.ClearSensitive(key)

	plaintext, err := crypto.DecryptAESGCM(env.Ciphertext, env.Nonce, key)
	if err != nil {
		e.auditor.Record(ctx, &models.AuditEvent{
			Action:      "secret_decryption_failed",
			NewValues:   map[string]any{"key_version": env.KeyVersion, "error": err.Error()},
			Severity:    models.SeverityHigh,
			Description: "Secret decryption failed",
		})
		return "", fmt.Errorf("decrypting secret: %w", err)
	}

	if env.Checksum != "" {
		sum := sha256.Sum256(plaintext)
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(env.Checksum)) != 1 {
			keymgr.ClearSensitive(plaintext)
			e.auditor.Record(ctx, &models.AuditEvent{
				Action:      "secret_integrity_failed",
				NewValues:   map[string]any{"key_version": env.KeyVersion},
				Severity:    models.SeverityHigh,
				Description: "Decrypted secret did not match its stored checksum",
			})
			return "", ErrChecksumMismatch
		}
	}

	result := string(plaintext)
	keymgr.ClearSensitive(plaintext)
	return result, nil
}

// --- Strength scoring ---

const symbolSet = "!@#$%^&*()_+-=[]{}|;:,.<>?"

var keyboardSequences = []string{"123", "abc", "qwe", "asd", "zxc"}

var breachWords = []string{"password", "admin", "user", "login", "welcome", "123456", "qwerty"}

// Score rates a password 1 (very weak) to 5 (very strong). Length and
// character variety add points; repeated runs, keyboard sequences and
// breach-common words subtract them.
func Score(password string) int {
	score := 0
	n := len(password)

	if n >= 8 {
		score++
	}
	if n >= 12 {
		score++
	}
	if n >= 16 {
		score++
	}

	if strings.ContainsAny(password, "abcdefghijklmnopqrstuvwxyz") {
		score++
	}
	if strings.ContainsAny(password, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		score++
	}
	if strings.ContainsAny(password, "0123456789") {
		score++
	}
	if strings.ContainsAny(password, symbolSet) {
		score++
	}

	if hasRepeatRun(password, 3) {
		score--
	}
	lower := strings.ToLower(password)
	for _, seq := range keyboardSequences {
		if strings.Contains(lower, seq) {
			score--
			break
		}
	}
	for _, word := range breachWords {
		if strings.Contains(lower, word) {
			score -= 2
			break
		}
	}

	if score < 1 {
		return 1
	}
	if score > 5 {
		return 5
	}
	return score
}

// StrengthLabel names a score for display.
func StrengthLabel(score int) string {
	switch score {
	case 1:
		return "Very Weak"
	case 2:
		return "Weak"
	case 3:
		return "Fair"
	case 4:
		return "Strong"
	case 5:
		return "Very Strong"
	default:
		return "Unknown"
	}
}

func hasRepeatRun(s string, run int) bool {
	count := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			count++
			if count >= run {
				return true
			}
		} else {
			count = 1
		}
	}
	return false
}

// --- Generation ---

// GenerateOptions controls password generation.
type GenerateOptions struct {
	Length           int
	Uppercase        bool
	Lowercase        bool
	Numbers          bool
	Symbols          bool
	ExcludeAmbiguous bool
}

// DefaultGenerateOptions returns the options used when a caller specifies
// nothing: 16 characters, all classes, ambiguous glyphs excluded.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Length:           16,
		Uppercase:        true,
		Lowercase:        true,
		Numbers:          true,
		Symbols:          true,
		ExcludeAmbiguous: true,
	}
}

func (o GenerateOptions) pools() []string {
	var pools []string
	if o.Lowercase {
		if o.ExcludeAmbiguous {
			pools = append(pools, "abcdefghjkmnpqrstuvwxyz")
		} else {
			pools = append(pools, "abcdefghijklmnopqrstuvwxyz")
		}
	}
	if o.Uppercase {
		if o.ExcludeAmbiguous {
			pools = append(pools, "ABCDEFGHJKMNPQRSTUVWXYZ")
		} else {
			pools = append(pools, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
		}
	}
	if o.Numbers {
		if o.ExcludeAmbiguous {
			pools = append(pools, "23456789")
		} else {
			pools = append(pools, "0123456789")
		}
	}
	if o.Symbols {
		pools = append(pools, symbolSet)
	}
	return pools
}

// Generate produces a random password drawn from the requested character
// classes. Every requested class is guaranteed present: one slot is
// reserved per class before the rest is filled from the joined pool, and
// the result is shuffled with a secure Fisher-Yates pass so the reserved
// characters are not positionally predictable.
func Generate(opts GenerateOptions) (string, error) {
	if opts.Length <= 0 {
		opts.Length = 16
	}
	pools := opts.pools()
	if len(pools) == 0 {
		pools = []string{"abcdefghijklmnopqrstuvwxyz0123456789"}
	}
	if opts.Length < len(pools) {
		return "", fmt.Errorf("length %d cannot cover %d character classes", opts.Length, len(pools))
	}

	out := make([]byte, 0, opts.Length)
	for _, pool := range pools {
		idx, err := randomInt(len(pool))
		if err != nil {
			return "", err
		}
		out = append(out, pool[idx])
	}

	full := strings.Join(pools, "")
	for len(out) < opts.Length {
		idx, err := randomInt(len(full))
		if err != nil {
			return "", err
		}
		out = append(out, full[idx])
	}

	if err := secureShuffle(out); err != nil {
		return "", err
	}
	return string(out), nil
}

func randomInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("drawing random index: %w", err)
	}
	return int(n.Int64()), nil
}

func secureShuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return err
		}
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

// --- Breach checks and policy ---

var compromisedPasswords = []string{
	"123456", "password", "123456789", "12345678", "12345",
	"111111", "1234567", "sunshine", "qwerty", "iloveyou",
	"princess", "admin", "welcome", "666666", "abc123",
	"football", "123123", "monkey", "654321", "!@#$%^&*",
	"charlie", "aa123456", "donald", "password1", "qwerty123",
}

// IsCompromised reports whether the password appears verbatim in the
// known-breached list. Case-insensitive exact match; not a live feed.
func IsCompromised(password string) bool {
	lower := strings.ToLower(password)
	for _, p := range compromisedPasswords {
		if lower == p {
			return true
		}
	}
	return false
}

// Validate checks a password against the storage policy and returns every
// violation found, empty when the password is acceptable.
func Validate(password string) []string {
	var errs []string
	n := len(password)

	if n < 8 {
		errs = append(errs, "password must be at least 8 characters long")
	}
	if n > 128 {
		errs = append(errs, "password must not exceed 128 characters")
	}
	if !strings.ContainsAny(password, "abcdefghijklmnopqrstuvwxyz") {
		errs = append(errs, "password must contain at least one lowercase letter")
	}
	if !strings.ContainsAny(password, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		errs = append(errs, "password must contain at least one uppercase letter")
	}
	if !strings.ContainsAny(password, "0123456789") {
		errs = append(errs, "password must contain at least one number")
	}
	if !strings.ContainsAny(password, symbolSet) {
		errs = append(errs, "password must contain at least one special character")
	}
	if IsCompromised(password) {
		errs = append(errs, "password has been found in data breaches and should not be used")
	}
	if Score(password) < 3 {
		errs = append(errs, "password is too weak")
	}
	return errs
}
