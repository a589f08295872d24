package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/keymgr"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/internal/store"
	"github.com/org/credvault/pkg/models"
)

const testUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// --- In-memory storage backend for tests ---

type memStore struct {
	mu         sync.Mutex
	envelopes  map[string]*models.SecretEnvelope
	tokens     map[string]*models.SessionToken // keyed by token hash
	tokensByID map[string]*models.SessionToken
	audit      []*models.AuditEvent

	keyVersion int
	rotatedAt  time.Time
	sealedKey  []byte
}

func newMemStore() *memStore {
	return &memStore{
		envelopes:  map[string]*models.SecretEnvelope{},
		tokens:     map[string]*models.SessionToken{},
		tokensByID: map[string]*models.SessionToken{},
	}
}

func (m *memStore) WriteAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	return nil
}

func (m *memStore) QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.AuditEvent
	for _, e := range m.audit {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *memStore) PurgeAuditEvents(ctx context.Context, severity models.Severity, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*models.AuditEvent
	var purged int64
	for _, e := range m.audit {
		if e.Severity == severity && e.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return purged, nil
}

func (m *memStore) WriteEnvelope(ctx context.Context, path string, env *models.SecretEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes[path] = env
	return nil
}

func (m *memStore) ReadEnvelope(ctx context.Context, path string) (*models.SecretEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envelopes[path]; ok {
		return env, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListEnvelopes(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.envelopes {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (m *memStore) DeleteEnvelope(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envelopes, path)
	return nil
}

func (m *memStore) WriteSessionToken(ctx context.Context, token *models.SessionToken, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = token
	m.tokensByID[token.ID] = token
	return nil
}

func (m *memStore) GetSessionToken(ctx context.Context, tokenHash string) (*models.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tokenHash]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) RevokeSessionToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokensByID[tokenID]; ok {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func (m *memStore) SaveKeyState(ctx context.Context, version int, rotatedAt time.Time, sealedKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyVersion = version
	m.rotatedAt = rotatedAt
	m.sealedKey = sealedKey
	return nil
}

func (m *memStore) LoadKeyState(ctx context.Context) (int, time.Time, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealedKey == nil {
		return 0, time.Time{}, nil, storage.ErrNotFound
	}
	return m.keyVersion, m.rotatedAt, m.sealedKey, nil
}

func (m *memStore) CountEnvelopes(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.envelopes)), nil
}

func (m *memStore) CountActiveSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tokensByID {
		if !t.IsRevoked() && !t.IsExpired() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() {}

// --- test helpers ---

const testPassword = "correct-horse-battery"

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	backend := newMemStore()

	master := bytes.Repeat([]byte{0x5a}, 32)
	keys := keymgr.New(master, t.TempDir(), backend, audit.NewSink(backend))
	if err := keys.Load(context.Background()); err != nil {
		t.Fatalf("loading key: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	srv := NewServer(backend, store.NewMemory(), keys, Config{
		Users:    []auth.User{{ID: "user-1", Email: "admin@example.com", PasswordHash: hash}},
		TokenTTL: time.Hour,
	})
	// Penalty delays would slow the suite down
	srv.limiter.SetSleep(func(time.Duration) {})
	return srv, backend
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", testUserAgent)
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("User-Agent", testUserAgent)
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func login(t *testing.T, handler http.Handler) string {
	t.Helper()
	w := postJSON(t, handler, "/v1/auth/login", map[string]any{
		"email": "admin@example.com", "password": testPassword,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	token, _ := body["data"].(map[string]any)["token"].(string)
	if token == "" {
		t.Fatal("expected token in login response")
	}
	return token
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/sys/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/sys/health", "")
	h := w.Header()
	if h.Get("Content-Security-Policy") == "" {
		t.Error("expected Content-Security-Policy header")
	}
	if h.Get("X-Frame-Options") != "DENY" {
		t.Errorf("expected X-Frame-Options=DENY, got %q", h.Get("X-Frame-Options"))
	}
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("expected nosniff, got %q", h.Get("X-Content-Type-Options"))
	}
	if !strings.Contains(h.Get("Strict-Transport-Security"), "preload") {
		t.Errorf("expected HSTS preload, got %q", h.Get("Strict-Transport-Security"))
	}
	// Sensitive paths must not be cached
	if !strings.Contains(h.Get("Cache-Control"), "no-cache") {
		t.Errorf("expected no-cache on sys path, got %q", h.Get("Cache-Control"))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := postJSON(t, handler, "/v1/auth/login", map[string]any{
		"email": "admin@example.com", "password": "nope",
	}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := postJSON(t, handler, "/v1/secret/data/myapp/db", map[string]any{
		"password": "hunter2-Str0ng",
		"metadata": map[string]string{"username": "admin", "url": "https://db.internal"},
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("put failed: %d %s", w.Code, w.Body.String())
	}

	w2 := getJSON(t, handler, "/v1/secret/data/myapp/db", token)
	if w2.Code != http.StatusOK {
		t.Fatalf("get failed: %d %s", w2.Code, w2.Body.String())
	}
	data := decodeBody(t, w2)["data"].(map[string]any)
	if data["password"] != "hunter2-Str0ng" {
		t.Errorf("expected stored password back, got %v", data["password"])
	}
	meta := data["metadata"].(map[string]any)
	if meta["username"] != "admin" {
		t.Errorf("expected metadata to survive, got %v", meta)
	}
}

func TestSecretNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := getJSON(t, handler, "/v1/secret/data/missing/path", token)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/secret/data/myapp/db", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := postJSON(t, handler, "/v1/auth/logout", nil, token)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout failed: %d %s", w.Code, w.Body.String())
	}

	w2 := getJSON(t, handler, "/v1/secret/data/anything", token)
	if w2.Code != http.StatusForbidden {
		t.Errorf("expected 403 with revoked token, got %d", w2.Code)
	}
}

func TestSecretDeleteAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	postJSON(t, handler, "/v1/secret/data/svc/a", map[string]any{"password": "pw-one-111"}, token)
	postJSON(t, handler, "/v1/secret/data/svc/b", map[string]any{"password": "pw-two-222"}, token)

	w := getJSON(t, handler, "/v1/secret/metadata/svc/", token)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", w.Code, w.Body.String())
	}
	keys := decodeBody(t, w)["data"].(map[string]any)["keys"].([]any)
	if len(keys) != 2 {
		t.Errorf("expected 2 paths, got %v", keys)
	}

	req := httptest.NewRequest("DELETE", "/v1/secret/data/svc/a", nil)
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("X-Vault-Token", token)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d", w2.Code)
	}

	w3 := getJSON(t, handler, "/v1/secret/data/svc/a", token)
	if w3.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w3.Code)
	}
}

func TestSecretExportOmitsPlaintext(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	postJSON(t, handler, "/v1/secret/data/svc/db", map[string]any{"password": "pw-export-999"}, token)

	w := getJSON(t, handler, "/v1/secret/export", token)
	if w.Code != http.StatusOK {
		t.Fatalf("export failed: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "pw-export-999") {
		t.Fatal("export must never contain plaintext")
	}
	envelopes := decodeBody(t, w)["data"].(map[string]any)["envelopes"].(map[string]any)
	env, ok := envelopes["svc/db"].(map[string]any)
	if !ok {
		t.Fatalf("expected svc/db in export, got %v", envelopes)
	}
	if env["ciphertext"] == "" || len(env["checksum"].(string)) != 64 {
		t.Errorf("incomplete envelope in export: %v", env)
	}
}

func TestMaliciousPayloadBlocked(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	cases := []string{
		`<script>alert(1)</script>`,
		`1 union select password from users`,
		`; cat /etc/passwd`,
		`../../etc/shadow`,
	}
	for _, payload := range cases {
		w := postJSON(t, handler, "/v1/auth/login", map[string]any{
			"email": "admin@example.com", "password": payload,
		}, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("payload %q: expected 400, got %d", payload, w.Code)
		}
	}
}

func TestGeneratedPasswordSurvivesScan(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	// Symbol-heavy but benign; must not trip injection signatures
	w := postJSON(t, handler, "/v1/secret/data/gen/pw", map[string]any{
		"password": "xK#9!mQ@2^vB&7*wP+4=",
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for benign symbol password, got %d %s", w.Code, w.Body.String())
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	for i := 0; i < 5; i++ {
		w := postJSON(t, handler, "/v1/auth/login", map[string]any{
			"email": "admin@example.com", "password": "wrong",
		}, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, w.Code)
		}
	}
	w := postJSON(t, handler, "/v1/auth/login", map[string]any{
		"email": "admin@example.com", "password": "wrong",
	}, "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("6th attempt: expected 429, got %d", w.Code)
	}
}

func TestBurstTrafficBlocked(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	var lastCode int
	for i := 0; i < 22; i++ {
		w := getJSON(t, handler, "/v1/sys/health", "")
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", lastCode)
	}

	// IP is now blocked outright
	w := getJSON(t, handler, "/v1/sys/health", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 while blocked, got %d", w.Code)
	}
}

func TestBotUserAgentRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	var lastCode int
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest("GET", "/v1/sys/health", nil)
		req.Header.Set("User-Agent", "curl/8.5.0")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 after repeated bot requests, got %d", lastCode)
	}
}

func TestUploadBadExtensionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "payload.exe")
	part.Write([]byte("MZ not really json")) //nolint:errcheck
	mw.Close()                               //nolint:errcheck

	req := httptest.NewRequest("POST", "/v1/secret/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("X-Vault-Token", token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for .exe upload, got %d", w.Code)
	}
}

func TestImportJSONUpload(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	entries := `[{"path":"imported/one","password":"first-pw-123"},{"path":"imported/two","password":"second-pw-456"}]`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="export.json"`)
	hdr.Set("Content-Type", "application/json")
	part, _ := mw.CreatePart(hdr)
	part.Write([]byte(entries)) //nolint:errcheck
	mw.Close()                  //nolint:errcheck

	req := httptest.NewRequest("POST", "/v1/secret/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("X-Vault-Token", token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("import failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["imported"] != float64(2) {
		t.Errorf("expected 2 imported, got %v", data["imported"])
	}

	w2 := getJSON(t, handler, "/v1/secret/data/imported/one", token)
	if w2.Code != http.StatusOK {
		t.Fatalf("reading imported secret: %d", w2.Code)
	}
	got := decodeBody(t, w2)["data"].(map[string]any)
	if got["password"] != "first-pw-123" {
		t.Errorf("expected imported password, got %v", got["password"])
	}
}

func TestPasswordGenerateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := postJSON(t, handler, "/v1/password/generate", map[string]any{"length": 24}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("generate failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	password, _ := data["password"].(string)
	if len(password) != 24 {
		t.Errorf("expected 24 chars, got %d", len(password))
	}
}

func TestPasswordScoreEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := postJSON(t, handler, "/v1/password/score", map[string]any{"password": "Tr0ub4dor&3xkcd!"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("score failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	strength, _ := data["strength"].(float64)
	if strength < 1 || strength > 5 {
		t.Errorf("strength out of range: %v", strength)
	}
}

func TestKeyRotationReencrypts(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	postJSON(t, handler, "/v1/secret/data/rotate/me", map[string]any{"password": "pre-rotation-pw"}, token)

	w := postJSON(t, handler, "/v1/sys/rotate", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["key_version"] != float64(2) {
		t.Errorf("expected key_version 2, got %v", data["key_version"])
	}
	if data["reencrypted"] != float64(1) {
		t.Errorf("expected 1 reencrypted secret, got %v", data["reencrypted"])
	}

	env, err := backend.ReadEnvelope(context.Background(), "rotate/me")
	if err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	if env.KeyVersion != 2 {
		t.Errorf("envelope should carry new key version, got %d", env.KeyVersion)
	}

	w2 := getJSON(t, handler, "/v1/secret/data/rotate/me", token)
	if w2.Code != http.StatusOK {
		t.Fatalf("get after rotation: %d %s", w2.Code, w2.Body.String())
	}
	got := decodeBody(t, w2)["data"].(map[string]any)
	if got["password"] != "pre-rotation-pw" {
		t.Errorf("secret must survive rotation, got %v", got["password"])
	}
}

func TestRotationStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	w := getJSON(t, handler, "/v1/sys/rotation-status", token)
	if w.Code != http.StatusOK {
		t.Fatalf("rotation-status failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["version"] != float64(1) {
		t.Errorf("expected version 1, got %v", data["version"])
	}
	// No rotation recorded yet, so one is due
	if data["needs_rotation"] != true {
		t.Errorf("expected needs_rotation=true on fresh key, got %v", data["needs_rotation"])
	}
}

func TestEveryRequestLeavesAuditTrail(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()

	getJSON(t, handler, "/v1/sys/health", "")
	token := login(t, handler)
	postJSON(t, handler, "/v1/secret/data/svc/db", map[string]any{"password": "pw-audit-123"}, token)
	getJSON(t, handler, "/v1/secret/data/svc/db", token)

	find := func(action string) *models.AuditEvent {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		for _, e := range backend.audit {
			if e.Action == action {
				return e
			}
		}
		return nil
	}

	if e := find("view_resource"); e == nil {
		t.Error("health request should leave a view_resource entry")
	} else if e.Severity != models.SeverityLow {
		t.Errorf("routine GET should be low severity, got %s", e.Severity)
	}
	if find("login_attempt") == nil {
		t.Error("login request should leave a login_attempt entry")
	}
	if e := find("create_secret"); e == nil {
		t.Error("secret write should leave a create_secret entry")
	} else {
		if e.ActorID == nil || *e.ActorID != "user-1" {
			t.Errorf("authenticated request entry should name the actor, got %v", e.ActorID)
		}
		if e.Severity != models.SeverityHigh {
			t.Errorf("secret mutation should be high severity, got %s", e.Severity)
		}
		if e.NewValues["request_id"] == "" {
			t.Error("request entry should carry the request ID")
		}
		if e.NewValues["status_code"] != http.StatusOK {
			t.Errorf("unexpected status in entry: %v", e.NewValues["status_code"])
		}
	}
	if find("view_secret") == nil {
		t.Error("secret read should leave a view_secret entry")
	}
}

func TestRequestAuditRecordsRejections(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()

	// No token: rejected before any handler runs
	w := getJSON(t, handler, "/v1/secret/data/svc/db", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, e := range backend.audit {
		if e.Action == "view_secret" {
			if e.Severity != models.SeverityHigh {
				t.Errorf("401 should be high severity, got %s", e.Severity)
			}
			return
		}
	}
	t.Error("rejected request should still leave an audit entry")
}

func TestAuditLogEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	// A failed login leaves a high-severity trail
	postJSON(t, handler, "/v1/auth/login", map[string]any{
		"email": "admin@example.com", "password": "wrong",
	}, "")
	token := login(t, handler)

	w := getJSON(t, handler, "/v1/sys/audit-log?severity=high", token)
	if w.Code != http.StatusOK {
		t.Fatalf("audit-log failed: %d %s", w.Code, w.Body.String())
	}
	events, _ := decodeBody(t, w)["data"].([]any)
	if len(events) == 0 {
		t.Fatal("expected at least one high-severity event")
	}
	for _, raw := range events {
		e := raw.(map[string]any)
		if e["severity"] != "high" {
			t.Errorf("severity filter leaked %v event", e["severity"])
		}
	}

	w2 := getJSON(t, handler, "/v1/sys/audit-log?severity=bogus", token)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid severity, got %d", w2.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := login(t, handler)

	// Any authed request registers the session
	getJSON(t, handler, "/v1/sys/health", token)

	w := getJSON(t, handler, "/v1/sys/sessions", token)
	if w.Code != http.StatusOK {
		t.Fatalf("sessions failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	sessions, _ := data["sessions"].([]any)
	if len(sessions) == 0 {
		t.Error("expected at least one tracked session")
	}
}
