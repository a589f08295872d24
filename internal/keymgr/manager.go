package keymgr

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// RotationInterval is how often the active encryption key must be rotated.
const RotationInterval = 90 * 24 * time.Hour

const (
	backupKeyContext = "credvault-backup-v1"
	sealKeyContext   = "credvault-keystate-v1"
)

// ErrKeyIntegrity signals that the active key failed its round-trip
// self-test. No cryptographic operation may proceed after this error.
var ErrKeyIntegrity = errors.New("encryption key integrity check failed")

// ErrBackupFailed signals that a key backup could not be completed.
// No partial backup artifact is left behind when this is returned.
var ErrBackupFailed = errors.New("key backup failed")

// StateStore is the minimal persistence interface the Manager needs.
type StateStore interface {
	SaveKeyState(ctx context.Context, version int, rotatedAt time.Time, sealedKey []byte) error
	LoadKeyState(ctx context.Context) (version int, rotatedAt time.Time, sealedKey []byte, err error)
}

// Manager owns the active symmetric key: its age, rotation, integrity
// self-tests and encrypted backups. Rotation and backup are operator
// triggered, run-to-completion operations.
type Manager struct {
	mu        sync.RWMutex
	key       []byte
	version   int
	rotatedAt time.Time

	master    []byte // wraps backups; never used for data encryption
	backupDir string
	store     StateStore
	auditor   audit.Recorder
}

// New creates a Manager with the given master secret and backup directory.
// Call Load before first use to restore persisted rotation state.
func New(master []byte, backupDir string, store StateStore, auditor audit.Recorder) *Manager {
	return &Manager{
		master:    master,
		backupDir: backupDir,
		store:     store,
		auditor:   auditor,
	}
}

// Load restores the active key from storage, unsealing it with the master
// secret. On first start it generates a fresh key at version 1 with a zero
// rotation time, which makes NeedsRotation true until the first rotation.
func (m *Manager) Load(ctx context.Context) error {
	version, rotatedAt, sealedKey, err := m.store.LoadKeyState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return m.initialize(ctx)
	}
	if err != nil {
		return fmt.Errorf("loading key state: %w", err)
	}

	sealKey, err := crypto.DeriveKey(m.master, sealKeyContext)
	if err != nil {
		return fmt.Errorf("deriving seal key: %w", err)
	}
	defer ClearSensitive(sealKey)

	key, err := crypto.Open(sealedKey, sealKey)
	if err != nil {
		return fmt.Errorf("unsealing active key: %w", err)
	}

	m.mu.Lock()
	m.key = key
	m.version = version
	m.rotatedAt = rotatedAt
	m.mu.Unlock()
	return nil
}

func (m *Manager) initialize(ctx context.Context) error {
	key, err := GenerateKey()
	if err != nil {
		return err
	}
	if err := ValidateKeyStrength(key); err != nil {
		return fmt.Errorf("generated key failed strength validation: %w", err)
	}
	if err := m.persistKey(ctx, 1, time.Time{}, key); err != nil {
		return err
	}

	m.mu.Lock()
	m.key = key
	m.version = 1
	m.rotatedAt = time.Time{}
	m.mu.Unlock()

	m.auditor.Record(ctx, &models.AuditEvent{
		Action:      "encryption_key_created",
		NewValues:   map[string]any{"key_version": 1},
		Severity:    models.SeverityHigh,
		Description: "Initial encryption key generated",
	})
	return nil
}

func (m *Manager) persistKey(ctx context.Context, version int, rotatedAt time.Time, key []byte) error {
	sealKey, err := crypto.DeriveKey(m.master, sealKeyContext)
	if err != nil {
		return fmt.Errorf("deriving seal key: %w", err)
	}
	defer ClearSensitive(sealKey)

	sealed, err := crypto.Seal(key, sealKey)
	if err != nil {
		return fmt.Errorf("sealing key for storage: %w", err)
	}
	if err := m.store.SaveKeyState(ctx, version, rotatedAt, sealed); err != nil {
		return fmt.Errorf("persisting key state: %w", err)
	}
	return nil
}

// ActiveKey returns a copy of the active key and its version.
func (m *Manager) ActiveKey() ([]byte, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, 0, errors.New("no active key loaded")
	}
	key := make([]byte, len(m.key))
	copy(key, m.key)
	return key, m.version, nil
}

// NeedsRotation returns true when the active key is RotationInterval old
// or no rotation has ever been recorded.
func (m *Manager) NeedsRotation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rotatedAt.IsZero() {
		return true
	}
	return time.Since(m.rotatedAt) >= RotationInterval
}

// RotationStatus reports the rotation state for operators.
type RotationStatus struct {
	Version           int        `json:"version"`
	LastRotation      *time.Time `json:"last_rotation,omitempty"`
	DaysSinceRotation int        `json:"days_since_rotation"`
	NeedsRotation     bool       `json:"needs_rotation"`
	NextRotationDue   *time.Time `json:"next_rotation_due,omitempty"`
}

// Status returns the current rotation status.
func (m *Manager) Status() RotationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := RotationStatus{Version: m.version}
	if m.rotatedAt.IsZero() {
		st.NeedsRotation = true
		return st
	}
	last := m.rotatedAt
	due := last.Add(RotationInterval)
	st.LastRotation = &last
	st.DaysSinceRotation = int(time.Since(last).Hours() / 24)
	st.NeedsRotation = time.Since(last) >= RotationInterval
	st.NextRotationDue = &due
	return st
}

// Rotate backs up the current key, generates a new one at the next version
// and persists the new rotation state. The old key backup is written
// before the switch so the previous version is always recoverable.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	if _, err := m.BackupKey(ctx); err != nil {
		return 0, fmt.Errorf("backing up key before rotation: %w", err)
	}

	m.mu.Lock()
	newVersion := m.version + 1
	m.mu.Unlock()

	key, err := GenerateKey()
	if err != nil {
		return 0, fmt.Errorf("generating rotated key: %w", err)
	}
	if err := ValidateKeyStrength(key); err != nil {
		return 0, fmt.Errorf("rotated key failed strength validation: %w", err)
	}

	now := time.Now().UTC()
	if err := m.persistKey(ctx, newVersion, now, key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	old := m.key
	m.key = key
	m.version = newVersion
	m.rotatedAt = now
	m.mu.Unlock()
	ClearSensitive(old)

	m.auditor.Record(ctx, &models.AuditEvent{
		Action:      "encryption_key_rotated",
		NewValues:   map[string]any{"key_version": newVersion},
		Severity:    models.SeverityHigh,
		Description: fmt.Sprintf("Encryption key rotated to version %d", newVersion),
	})
	log.Info().Int("version", newVersion).Msg("encryption key rotated")
	return newVersion, nil
}

// BackupKey writes the active key, encrypted under a subkey of the master
// secret, to a permission-restricted file in the backup directory. The
// write is atomic: a failure leaves no partial artifact and is audited at
// critical before being returned.
func (m *Manager) BackupKey(ctx context.Context) (string, error) {
	m.mu.RLock()
	key := make([]byte, len(m.key))
	copy(key, m.key)
	version := m.version
	m.mu.RUnlock()
	defer ClearSensitive(key)

	name := fmt.Sprintf("key_v%d_%s.backup", version, time.Now().UTC().Format("2006-01-02_15-04-05"))
	path, err := m.writeBackup(key, name)
	if err != nil {
		m.auditor.Record(ctx, &models.AuditEvent{
			Action:      "encryption_key_backup_failed",
			NewValues:   map[string]any{"error": err.Error()},
			Severity:    models.SeverityCritical,
			Description: "Failed to back up encryption key: " + err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	m.auditor.Record(ctx, &models.AuditEvent{
		Action:      "encryption_key_backed_up",
		NewValues:   map[string]any{"backup_file": filepath.Base(path), "key_version": version},
		Severity:    models.SeverityHigh,
		Description: "Encryption key backed up",
	})
	return path, nil
}

func (m *Manager) writeBackup(key []byte, name string) (string, error) {
	wrapKey, err := crypto.DeriveKey(m.master, backupKeyContext)
	if err != nil {
		return "", fmt.Errorf("deriving backup key: %w", err)
	}
	defer ClearSensitive(wrapKey)

	sealed, err := crypto.Seal(key, wrapKey)
	if err != nil {
		return "", fmt.Errorf("sealing key: %w", err)
	}

	if err := os.MkdirAll(m.backupDir, 0o700); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	path := filepath.Join(m.backupDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing backup: %w", err)
	}
	return path, nil
}

// RestoreBackup decrypts a backup file and installs its key as the active
// key at the given version. Used for operator-driven recovery.
func (m *Manager) RestoreBackup(ctx context.Context, path string, version int) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading backup: %v", ErrBackupFailed, err)
	}

	wrapKey, err := crypto.DeriveKey(m.master, backupKeyContext)
	if err != nil {
		return fmt.Errorf("%w: deriving backup key: %v", ErrBackupFailed, err)
	}
	defer ClearSensitive(wrapKey)

	key, err := crypto.Open(sealed, wrapKey)
	if err != nil {
		m.auditor.Record(ctx, &models.AuditEvent{
			Action:      "encryption_key_restore_failed",
			NewValues:   map[string]any{"backup_file": filepath.Base(path), "error": err.Error()},
			Severity:    models.SeverityCritical,
			Description: "Failed to restore encryption key backup",
		})
		return fmt.Errorf("%w: opening backup: %v", ErrBackupFailed, err)
	}
	if err := ValidateKeyStrength(key); err != nil {
		return fmt.Errorf("%w: restored key invalid: %v", ErrBackupFailed, err)
	}

	now := time.Now().UTC()
	if err := m.persistKey(ctx, version, now, key); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	m.mu.Lock()
	m.key = key
	m.version = version
	m.rotatedAt = now
	m.mu.Unlock()

	m.auditor.Record(ctx, &models.AuditEvent{
		Action:      "encryption_key_restored",
		NewValues:   map[string]any{"backup_file": filepath.Base(path), "key_version": version},
		Severity:    models.SeverityHigh,
		Description: "Encryption key restored from backup",
	})
	return nil
}

// EscrowShares splits the master secret into escrow shares for offline
// custody; threshold shares reconstruct it.
func (m *Manager) EscrowShares(shares, threshold int) ([][]byte, error) {
	return crypto.SplitMasterSecret(m.master, shares, threshold)
}

// VerifyIntegrity round-trips a random probe through the active key.
// Any mismatch is fatal for the operation in progress: callers must not
// proceed with cryptographic work after an ErrKeyIntegrity.
func (m *Manager) VerifyIntegrity(ctx context.Context) error {
	key, _, err := m.ActiveKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyIntegrity, err)
	}
	defer ClearSensitive(key)

	probe := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, probe); err != nil {
		return fmt.Errorf("%w: generating probe: %v", ErrKeyIntegrity, err)
	}

	sealed, err := crypto.Seal(probe, key)
	if err == nil {
		var opened []byte
		opened, err = crypto.Open(sealed, key)
		if err == nil && !bytes.Equal(probe, opened) {
			err = errors.New("probe mismatch after round trip")
		}
		ClearSensitive(opened)
	}
	ClearSensitive(probe)

	if err != nil {
		m.auditor.Record(ctx, &models.AuditEvent{
			Action:      "encryption_key_integrity_failed",
			NewValues:   map[string]any{"error": err.Error()},
			Severity:    models.SeverityCritical,
			Description: "Encryption key integrity verification failed",
		})
		return fmt.Errorf("%w: %v", ErrKeyIntegrity, err)
	}
	return nil
}

// GenerateKey produces a new 256-bit random key.
func GenerateKey() ([]byte, error) {
	return crypto.GenerateKey()
}

// ValidateKeyStrength rejects keys that are too short or too long, contain
// a repeated-byte run of length 4 or more, or have insufficient Shannon
// entropy. The 7.0 bits/byte floor is unattainable for keys shorter than
// 128 bytes (entropy over byte frequencies is bounded by log2(len)), so
// the effective floor for short keys is log2(len) - 0.5.
func ValidateKeyStrength(key []byte) error {
	if len(key) < 32 {
		return errors.New("key must be at least 256 bits (32 bytes)")
	}
	if len(key) > 64 {
		return errors.New("key must not exceed 512 bits (64 bytes)")
	}

	run := 1
	for i := 1; i < len(key); i++ {
		if key[i] == key[i-1] {
			run++
			if run >= 4 {
				return errors.New("key contains repeated byte runs")
			}
		} else {
			run = 1
		}
	}

	threshold := math.Min(7.0, math.Log2(float64(len(key)))-0.5)
	if shannonEntropy(key) < threshold {
		return errors.New("key has insufficient entropy")
	}
	return nil
}

// shannonEntropy computes base-2 entropy over byte frequencies.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	n := float64(len(data))
	for _, f := range freq {
		if f == 0 {
			continue
		}
		p := float64(f) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ClearSensitive overwrites a buffer with random bytes and then zeros.
// This is best effort only: Go's runtime may have copied the data during
// garbage collection or append growth, so treat this as a mitigation that
// shortens secret residency in memory, not a guarantee.
func ClearSensitive(b []byte) {
	if len(b) == 0 {
		return
	}
	io.ReadFull(rand.Reader, b) //nolint:errcheck
	for i := range b {
		b[i] = 0
	}
}
