package keymgr

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/org/credvault/internal/storage"
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

type stateStub struct {
	version   int
	rotatedAt time.Time
	sealed    []byte
	saves     int
}

func (s *stateStub) SaveKeyState(ctx context.Context, version int, rotatedAt time.Time, sealedKey []byte) error {
	s.version = version
	s.rotatedAt = rotatedAt
	s.sealed = append([]byte(nil), sealedKey...)
	s.saves++
	return nil
}

func (s *stateStub) LoadKeyState(ctx context.Context) (int, time.Time, []byte, error) {
	if s.sealed == nil {
		return 0, time.Time{}, nil, storage.ErrNotFound
	}
	return s.version, s.rotatedAt, s.sealed, nil
}

var testMaster = bytes.Repeat([]byte{0x42}, 32)

func newTestManager(t *testing.T) (*Manager, *stateStub, *recorderStub) {
	t.Helper()
	state := &stateStub{}
	rec := &recorderStub{}
	m := New(testMaster, t.TempDir(), state, rec)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, state, rec
}

func TestLoadInitializesFreshKey(t *testing.T) {
	m, state, rec := newTestManager(t)

	key, version, err := m.ActiveKey()
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if state.saves != 1 {
		t.Errorf("expected key state persisted once, got %d saves", state.saves)
	}
	if !rec.hasAction("encryption_key_created") {
		t.Error("expected encryption_key_created audit event")
	}
	// Key is stored sealed, never raw
	if bytes.Contains(state.sealed, key) {
		t.Error("persisted key state must not contain the raw key")
	}
}

func TestLoadRestoresPersistedKey(t *testing.T) {
	state := &stateStub{}
	rec := &recorderStub{}
	dir := t.TempDir()

	m1 := New(testMaster, dir, state, rec)
	if err := m1.Load(context.Background()); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	key1, _, _ := m1.ActiveKey()

	// A second manager over the same state unseals the same key
	m2 := New(testMaster, dir, state, rec)
	if err := m2.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	key2, version, _ := m2.ActiveKey()
	if !bytes.Equal(key1, key2) {
		t.Error("reloaded key should match the original")
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}

func TestLoadWrongMasterFails(t *testing.T) {
	state := &stateStub{}
	m1 := New(testMaster, t.TempDir(), state, &recorderStub{})
	if err := m1.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	wrong := bytes.Repeat([]byte{0x24}, 32)
	m2 := New(wrong, t.TempDir(), state, &recorderStub{})
	if err := m2.Load(context.Background()); err == nil {
		t.Error("expected unseal failure with wrong master secret")
	}
}

func TestNeedsRotation(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Fresh key has never been rotated
	if !m.NeedsRotation() {
		t.Error("expected NeedsRotation true with zero rotation time")
	}

	m.mu.Lock()
	m.rotatedAt = time.Now().Add(-10 * 24 * time.Hour)
	m.mu.Unlock()
	if m.NeedsRotation() {
		t.Error("10-day-old rotation should not be due")
	}

	m.mu.Lock()
	m.rotatedAt = time.Now().Add(-90 * 24 * time.Hour)
	m.mu.Unlock()
	if !m.NeedsRotation() {
		t.Error("90-day-old rotation should be due")
	}
}

func TestStatus(t *testing.T) {
	m, _, _ := newTestManager(t)

	st := m.Status()
	if st.Version != 1 || !st.NeedsRotation || st.LastRotation != nil {
		t.Errorf("unexpected fresh status: %+v", st)
	}

	m.mu.Lock()
	m.rotatedAt = time.Now().Add(-30 * 24 * time.Hour)
	m.mu.Unlock()
	st = m.Status()
	if st.NeedsRotation {
		t.Error("30-day-old key should not need rotation")
	}
	if st.DaysSinceRotation != 30 {
		t.Errorf("expected 30 days since rotation, got %d", st.DaysSinceRotation)
	}
	if st.NextRotationDue == nil {
		t.Error("expected a next rotation due time")
	}
}

func TestRotate(t *testing.T) {
	m, state, rec := newTestManager(t)
	oldKey, _, _ := m.ActiveKey()

	version, err := m.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	newKey, gotVersion, _ := m.ActiveKey()
	if gotVersion != 2 {
		t.Errorf("active version should be 2, got %d", gotVersion)
	}
	if bytes.Equal(oldKey, newKey) {
		t.Error("rotation must produce a different key")
	}
	if m.NeedsRotation() {
		t.Error("freshly rotated key should not need rotation")
	}
	if state.version != 2 {
		t.Errorf("rotation state not persisted, version %d", state.version)
	}
	if !rec.hasAction("encryption_key_rotated") {
		t.Error("expected encryption_key_rotated audit event")
	}
	// The pre-rotation backup keeps the old key recoverable
	if !rec.hasAction("encryption_key_backed_up") {
		t.Error("expected a backup before rotation")
	}
}

func TestBackupAndRestore(t *testing.T) {
	state := &stateStub{}
	rec := &recorderStub{}
	dir := t.TempDir()
	m := New(testMaster, dir, state, rec)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	originalKey, _, _ := m.ActiveKey()

	path, err := m.BackupKey(context.Background())
	if err != nil {
		t.Fatalf("BackupKey: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("backup written outside backup dir: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 backup permissions, got %o", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if bytes.Contains(data, originalKey) {
		t.Error("backup file must not contain the raw key")
	}
	if !strings.HasSuffix(path, ".backup") {
		t.Errorf("unexpected backup name: %s", path)
	}

	// Rotate away, then restore the original
	if _, err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := m.RestoreBackup(context.Background(), path, 3); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	restored, version, _ := m.ActiveKey()
	if !bytes.Equal(restored, originalKey) {
		t.Error("restored key should match the backed-up key")
	}
	if version != 3 {
		t.Errorf("expected version 3 after restore, got %d", version)
	}
	if !rec.hasAction("encryption_key_restored") {
		t.Error("expected encryption_key_restored audit event")
	}
}

func TestRestoreCorruptBackupFails(t *testing.T) {
	m, _, rec := newTestManager(t)

	bad := filepath.Join(t.TempDir(), "corrupt.backup")
	if err := os.WriteFile(bad, []byte("not a sealed key"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := m.RestoreBackup(context.Background(), bad, 2)
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if !rec.hasAction("encryption_key_restore_failed") {
		t.Error("expected encryption_key_restore_failed audit event")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.VerifyIntegrity(context.Background()); err != nil {
		t.Errorf("healthy key should pass integrity check: %v", err)
	}

	// A manager with no key loaded must refuse
	empty := New(testMaster, t.TempDir(), &stateStub{}, &recorderStub{})
	if err := empty.VerifyIntegrity(context.Background()); !errors.Is(err, ErrKeyIntegrity) {
		t.Errorf("expected ErrKeyIntegrity without a loaded key, got %v", err)
	}
}

func TestEscrowShares(t *testing.T) {
	m, _, _ := newTestManager(t)

	shares, err := m.EscrowShares(5, 3)
	if err != nil {
		t.Fatalf("EscrowShares: %v", err)
	}
	if len(shares) != 5 {
		t.Errorf("expected 5 shares, got %d", len(shares))
	}
}

func TestValidateKeyStrength(t *testing.T) {
	good, _ := GenerateKey()
	if err := ValidateKeyStrength(good); err != nil {
		t.Errorf("random 32-byte key should validate: %v", err)
	}

	if err := ValidateKeyStrength(make([]byte, 16)); err == nil {
		t.Error("16-byte key should be rejected")
	}
	if err := ValidateKeyStrength(make([]byte, 72)); err == nil {
		t.Error("72-byte key should be rejected")
	}

	// Repeated run
	run := append([]byte("abcdefghijklmnopqrstuvwx"), 0x7, 0x7, 0x7, 0x7, 1, 2, 3, 4)
	if err := ValidateKeyStrength(run); err == nil {
		t.Error("key with a 4-byte run should be rejected")
	}

	// Low entropy without long runs
	low := make([]byte, 32)
	for i := range low {
		low[i] = byte(i % 2)
	}
	if err := ValidateKeyStrength(low); err == nil {
		t.Error("two-symbol key should fail the entropy floor")
	}
}

func TestClearSensitive(t *testing.T) {
	b := []byte("very secret bytes")
	ClearSensitive(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not cleared: %x", i, v)
		}
	}
	// Zero-length is fine
	ClearSensitive(nil)
}
