package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/credvault/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	oldJSON, err := json.Marshal(e.OldValues)
	if err != nil {
		oldJSON = []byte("{}")
	}
	newJSON, err := json.Marshal(e.NewValues)
	if err != nil {
		newJSON = []byte("{}")
	}
	var resKind, resID *string
	if e.Resource != nil {
		resKind = &e.Resource.Kind
		resID = &e.Resource.ID
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_events (id, actor_id, action, resource_kind, resource_id, old_values, new_values, client_ip, user_agent, session_id, severity, description, created_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ActorID, e.Action, resKind, resID, oldJSON, newJSON,
		e.ClientIP, e.UserAgent, e.SessionID, string(e.Severity), e.Description, e.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, actor_id, action, resource_kind, resource_id, old_values, new_values, client_ip, user_agent, session_id, severity, description, created_at FROM audit_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Action != "" {
		fmt.Fprintf(&query, ` AND action = $%d`, n)
		args = append(args, filter.Action)
		n++
	}
	if filter.Severity != "" {
		fmt.Fprintf(&query, ` AND severity = $%d`, n)
		args = append(args, string(filter.Severity))
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND created_at >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY created_at DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var oldJSON, newJSON []byte
		var resKind, resID *string
		var severity string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &resKind, &resID, &oldJSON, &newJSON,
			&e.ClientIP, &e.UserAgent, &e.SessionID, &severity, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Severity = models.Severity(severity)
		if resKind != nil && resID != nil {
			e.Resource = &models.Resource{Kind: *resKind, ID: *resID}
		}
		json.Unmarshal(oldJSON, &e.OldValues) //nolint:errcheck
		json.Unmarshal(newJSON, &e.NewValues) //nolint:errcheck
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (p *PostgresBackend) PurgeAuditEvents(ctx context.Context, severity models.Severity, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE severity = $1 AND created_at < $2`,
		string(severity), before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Secret envelopes ---

func (p *PostgresBackend) WriteEnvelope(ctx context.Context, path string, env *models.SecretEnvelope) error {
	metaJSON, err := json.Marshal(env.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO secret_envelopes (path, ciphertext, nonce, method, encrypted_at, key_version, checksum, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (path) DO UPDATE
		 SET ciphertext = EXCLUDED.ciphertext,
		     nonce = EXCLUDED.nonce,
		     method = EXCLUDED.method,
		     encrypted_at = EXCLUDED.encrypted_at,
		     key_version = EXCLUDED.key_version,
		     checksum = EXCLUDED.checksum,
		     metadata = EXCLUDED.metadata,
		     updated_at = NOW()`,
		path, env.Ciphertext, env.Nonce, env.Method, env.EncryptedAt, env.KeyVersion, env.Checksum, metaJSON,
	)
	return err
}

func (p *PostgresBackend) ReadEnvelope(ctx context.Context, path string) (*models.SecretEnvelope, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT ciphertext, nonce, method, encrypted_at, key_version, checksum, metadata
		 FROM secret_envelopes WHERE path = $1`,
		path,
	)
	var env models.SecretEnvelope
	var metaJSON []byte
	err := row.Scan(&env.Ciphertext, &env.Nonce, &env.Method, &env.EncryptedAt,
		&env.KeyVersion, &env.Checksum, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	json.Unmarshal(metaJSON, &env.Metadata) //nolint:errcheck
	return &env, nil
}

func (p *PostgresBackend) ListEnvelopes(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT path FROM secret_envelopes WHERE path LIKE $1 ORDER BY path`,
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (p *PostgresBackend) DeleteEnvelope(ctx context.Context, path string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM secret_envelopes WHERE path = $1`, path)
	return err
}

// --- Session tokens ---

func (p *PostgresBackend) WriteSessionToken(ctx context.Context, token *models.SessionToken, tokenHash string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO session_tokens (id, token_hash, user_id, email, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, tokenHash, token.UserID, token.Email, token.CreatedAt, nullableTime(token.ExpiresAt),
	)
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresBackend) GetSessionToken(ctx context.Context, tokenHash string) (*models.SessionToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, user_id, email, created_at, expires_at, revoked_at
		 FROM session_tokens WHERE token_hash = $1`,
		tokenHash,
	)
	var t models.SessionToken
	var expiresAt *time.Time
	err := row.Scan(&t.ID, &t.UserID, &t.Email, &t.CreatedAt, &expiresAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}

func (p *PostgresBackend) RevokeSessionToken(ctx context.Context, tokenID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE session_tokens SET revoked_at = NOW() WHERE id = $1`,
		tokenID,
	)
	return err
}

// --- Encryption key state ---

func (p *PostgresBackend) SaveKeyState(ctx context.Context, version int, rotatedAt time.Time, sealedKey []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO key_state (singleton, version, rotated_at, sealed_key)
		 VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (singleton) DO UPDATE
		 SET version = EXCLUDED.version, rotated_at = EXCLUDED.rotated_at, sealed_key = EXCLUDED.sealed_key`,
		version, nullableTime(rotatedAt), sealedKey,
	)
	return err
}

func (p *PostgresBackend) LoadKeyState(ctx context.Context) (int, time.Time, []byte, error) {
	var version int
	var rotatedAt *time.Time
	var sealedKey []byte
	err := p.pool.QueryRow(ctx,
		`SELECT version, rotated_at, sealed_key FROM key_state WHERE singleton = TRUE`,
	).Scan(&version, &rotatedAt, &sealedKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, time.Time{}, nil, ErrNotFound
		}
		return 0, time.Time{}, nil, err
	}
	var at time.Time
	if rotatedAt != nil {
		at = *rotatedAt
	}
	return version, at, sealedKey, nil
}

// --- Metrics ---

func (p *PostgresBackend) CountEnvelopes(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM secret_envelopes`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountActiveSessions(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_tokens WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`,
	).Scan(&count)
	return count, err
}
