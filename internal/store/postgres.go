// Package store — PostgreSQL Store implementation.
//
// Uses pgx connection pooling. The diary entry table carries a pgvector
// embedding column (HNSW-indexed) and a GIN full-text index so hybrid
// ranking happens in one SQL pass.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// methods serve pooled and transaction-bound stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier // pool, or the active tx for tx-bound copies
}

// NewPostgresStore connects to the database and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates tables, enums, and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		DO $$ BEGIN
			CREATE TYPE diary_visibility AS ENUM ('private', 'moltnet', 'public');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;

		DO $$ BEGIN
			CREATE TYPE diary_entry_type AS ENUM ('episodic', 'semantic', 'procedural', 'reflection', 'identity', 'soul');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;

		DO $$ BEGIN
			CREATE TYPE share_status AS ENUM ('pending', 'accepted', 'declined', 'revoked');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;

		DO $$ BEGIN
			CREATE TYPE share_role AS ENUM ('reader', 'writer');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;

		DO $$ BEGIN
			CREATE TYPE signing_status AS ENUM ('pending', 'completed', 'expired');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;

		CREATE TABLE IF NOT EXISTS agents (
			identity_id TEXT PRIMARY KEY,
			public_key  TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_fingerprint ON agents (fingerprint);
		CREATE INDEX IF NOT EXISTS idx_agents_public_key ON agents (public_key);

		CREATE TABLE IF NOT EXISTS vouchers (
			id          TEXT PRIMARY KEY,
			code        TEXT NOT NULL UNIQUE,
			issuer_id   TEXT NOT NULL,
			redeemed_by TEXT,
			expires_at  TIMESTAMPTZ NOT NULL,
			redeemed_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_vouchers_issuer_active ON vouchers (issuer_id) WHERE redeemed_at IS NULL;

		CREATE TABLE IF NOT EXISTS diaries (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			visibility diary_visibility NOT NULL DEFAULT 'private',
			signed     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_diaries_owner ON diaries (owner_id);

		CREATE TABLE IF NOT EXISTS diary_entries (
			id               TEXT PRIMARY KEY,
			diary_id         TEXT NOT NULL REFERENCES diaries(id) ON DELETE CASCADE,
			title            TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL,
			embedding        vector(%d),
			tags             TEXT[],
			injection_risk   BOOLEAN NOT NULL DEFAULT FALSE,
			importance       SMALLINT NOT NULL DEFAULT 5,
			access_count     BIGINT NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			entry_type       diary_entry_type NOT NULL DEFAULT 'semantic',
			superseded_by    TEXT REFERENCES diary_entries(id) ON DELETE SET NULL,
			visibility       diary_visibility NOT NULL DEFAULT 'private',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_entries_diary_created ON diary_entries (diary_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_feed ON diary_entries (visibility, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_tags ON diary_entries USING GIN (tags);
		CREATE INDEX IF NOT EXISTS idx_entries_fts ON diary_entries USING GIN (to_tsvector('english', content));
		CREATE INDEX IF NOT EXISTS idx_entries_embedding ON diary_entries USING hnsw (embedding vector_cosine_ops);

		CREATE TABLE IF NOT EXISTS diary_shares (
			id           TEXT PRIMARY KEY,
			diary_id     TEXT NOT NULL REFERENCES diaries(id) ON DELETE CASCADE,
			shared_with  TEXT NOT NULL,
			role         share_role NOT NULL DEFAULT 'reader',
			status       share_status NOT NULL DEFAULT 'pending',
			invited_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			responded_at TIMESTAMPTZ,
			UNIQUE (diary_id, shared_with)
		);
		CREATE INDEX IF NOT EXISTS idx_shares_agent ON diary_shares (shared_with, status);

		CREATE TABLE IF NOT EXISTS signing_requests (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			message      TEXT NOT NULL,
			nonce        TEXT NOT NULL UNIQUE,
			status       signing_status NOT NULL DEFAULT 'pending',
			signature    TEXT UNIQUE,
			valid        BOOLEAN,
			workflow_id  TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_signing_agent_status ON signing_requests (agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_signing_pending_expiry ON signing_requests (expires_at) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS used_recovery_nonces (
			nonce      TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			input        BYTEA,
			journal      JSONB NOT NULL DEFAULT '{}',
			signals      JSONB NOT NULL DEFAULT '{}',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_unfinished ON workflow_runs (created_at) WHERE status IN ('pending', 'running');
	`, models.EmbeddingDim)

	_, err := s.db.Exec(ctx, ddl)
	return err
}

// ── Transactions ────────────────────────────────────────────

func (s *PostgresStore) Tx(ctx context.Context, fn func(Store) error) error {
	return s.runTx(ctx, pgx.TxOptions{}, fn)
}

func (s *PostgresStore) TxSerializable(ctx context.Context, fn func(Store) error) error {
	return s.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, opts pgx.TxOptions, fn func(Store) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	bound := &PostgresStore{pool: s.pool, db: tx}
	if err := fn(bound); err != nil {
		_ = tx.Rollback(ctx)
		return mapSerialization(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapSerialization(err)
	}
	return nil
}

// mapSerialization folds PostgreSQL serialization failures (SQLSTATE 40001)
// into ErrSerialization so callers can retry.
func mapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
	}
	return err
}

// ── Agents ──────────────────────────────────────────────────

const agentCols = "identity_id, public_key, fingerprint, created_at, updated_at"

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.IdentityID, &a.PublicKey, &a.Fingerprint, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) findAgent(ctx context.Context, col, key string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, "SELECT "+agentCols+" FROM agents WHERE "+col+" = $1", key)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("find agent by %s: %w", col, err)
	}
	return a, nil
}

func (s *PostgresStore) FindAgentByFingerprint(ctx context.Context, fingerprint string) (*models.Agent, error) {
	return s.findAgent(ctx, "fingerprint", fingerprint)
}

func (s *PostgresStore) FindAgentByIdentityID(ctx context.Context, identityID string) (*models.Agent, error) {
	return s.findAgent(ctx, "identity_id", identityID)
}

func (s *PostgresStore) FindAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	return s.findAgent(ctx, "public_key", publicKey)
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (identity_id, public_key, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_id) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at`,
		agent.IdentityID, agent.PublicKey, agent.Fingerprint, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, identityID string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM agents WHERE identity_id = $1", identityID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: identityID}
	}
	return nil
}

// ── Vouchers ────────────────────────────────────────────────

const voucherCols = "id, code, issuer_id, redeemed_by, expires_at, redeemed_at, created_at"

func scanVoucher(row pgx.Row) (*models.Voucher, error) {
	var v models.Voucher
	err := row.Scan(&v.ID, &v.Code, &v.IssuerID, &v.RedeemedBy, &v.ExpiresAt, &v.RedeemedAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) CountActiveVouchers(ctx context.Context, issuerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		"SELECT count(*) FROM vouchers WHERE issuer_id = $1 AND redeemed_at IS NULL AND expires_at > now()",
		issuerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active vouchers: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CreateVoucher(ctx context.Context, v *models.Voucher) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO vouchers (id, code, issuer_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.Code, v.IssuerID, v.ExpiresAt, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create voucher: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	row := s.db.QueryRow(ctx, "SELECT "+voucherCols+" FROM vouchers WHERE code = $1", code)
	v, err := scanVoucher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "voucher", Key: code}
	}
	if err != nil {
		return nil, fmt.Errorf("find voucher: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) RedeemVoucher(ctx context.Context, code, redeemerID string) (*models.Voucher, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE vouchers SET redeemed_by = $1, redeemed_at = now()
		WHERE code = $2 AND redeemed_at IS NULL AND expires_at > now()
		RETURNING `+voucherCols, redeemerID, code)
	v, err := scanVoucher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // lost the race, or voucher expired/absent
	}
	if err != nil {
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) RestoreVoucher(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE vouchers SET redeemed_by = NULL, redeemed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("restore voucher: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "voucher", Key: id}
	}
	return nil
}

// ── Signing Requests ────────────────────────────────────────

const signingCols = "id, agent_id, message, nonce, status, signature, valid, workflow_id, created_at, expires_at, completed_at"

func scanSigningRequest(row pgx.Row) (*models.SigningRequest, error) {
	var r models.SigningRequest
	err := row.Scan(&r.ID, &r.AgentID, &r.Message, &r.Nonce, &r.Status, &r.Signature,
		&r.Valid, &r.WorkflowID, &r.CreatedAt, &r.ExpiresAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateSigningRequest(ctx context.Context, req *models.SigningRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO signing_requests (id, agent_id, message, nonce, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.AgentID, req.Message, req.Nonce, req.Status, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create signing request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSigningRequest(ctx context.Context, id string) (*models.SigningRequest, error) {
	row := s.db.QueryRow(ctx, "SELECT "+signingCols+" FROM signing_requests WHERE id = $1", id)
	r, err := scanSigningRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "signing request", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get signing request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindSigningRequestBySignature(ctx context.Context, signature string) (*models.SigningRequest, error) {
	row := s.db.QueryRow(ctx, "SELECT "+signingCols+" FROM signing_requests WHERE signature = $1", signature)
	r, err := scanSigningRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "signing request", Key: signature}
	}
	if err != nil {
		return nil, fmt.Errorf("find signing request by signature: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateSigningRequest(ctx context.Context, id string, u SigningUpdate) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE signing_requests SET
			status = $2,
			signature = COALESCE($3, signature),
			valid = COALESCE($4, valid),
			completed_at = COALESCE($5, completed_at),
			workflow_id = COALESCE($6, workflow_id)
		WHERE id = $1`,
		id, u.Status, u.Signature, u.Valid, u.CompletedAt, u.WorkflowID)
	if err != nil {
		return fmt.Errorf("update signing request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "signing request", Key: id}
	}
	return nil
}

func (s *PostgresStore) CountSigningRequests(ctx context.Context, agentID string, status models.SigningStatus) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		"SELECT count(*) FROM signing_requests WHERE agent_id = $1 AND status = $2",
		agentID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signing requests: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListSigningRequests(ctx context.Context, p SigningListParams) ([]models.SigningRequest, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	query := "SELECT " + signingCols + " FROM signing_requests WHERE agent_id = $1"
	args := []any{p.AgentID}
	if p.Status != "" {
		query += " AND status = $2"
		args = append(args, p.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", p.Limit, p.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signing requests: %w", err)
	}
	defer rows.Close()

	var out []models.SigningRequest
	for rows.Next() {
		r, err := scanSigningRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireSigningRequests(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE signing_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("expire signing requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Recovery Nonces ─────────────────────────────────────────

func (s *PostgresStore) ConsumeNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO used_recovery_nonces (nonce, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING`,
		nonce, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) PruneNonces(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM used_recovery_nonces WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Workflow Runs ───────────────────────────────────────────

const workflowCols = "id, name, status, input, journal, signals, error, created_at, updated_at, completed_at"

func scanWorkflowRun(row pgx.Row) (*models.WorkflowRun, error) {
	var r models.WorkflowRun
	err := row.Scan(&r.ID, &r.Name, &r.Status, &r.Input, &r.Journal, &r.Signals,
		&r.Error, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if r.Journal == nil {
		r.Journal = map[string][]byte{}
	}
	if r.Signals == nil {
		r.Signals = map[string][]byte{}
	}
	return &r, nil
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Journal == nil {
		run.Journal = map[string][]byte{}
	}
	if run.Signals == nil {
		run.Signals = map[string][]byte{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, name, status, input, journal, signals, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Name, run.Status, run.Input, run.Journal, run.Signals, run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowCols+" FROM workflow_runs WHERE id = $1", id)
	r, err := scanWorkflowRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "workflow run", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $2, journal = $3, signals = $4, error = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $1`,
		run.ID, run.Status, run.Journal, run.Signals, run.Error, run.UpdatedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "workflow run", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) ListUnfinishedWorkflowRuns(ctx context.Context) ([]models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+workflowCols+" FROM workflow_runs WHERE status IN ('pending', 'running') ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list unfinished workflow runs: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ── Vector helpers ──────────────────────────────────────────

// vectorLiteral renders a float32 slice in pgvector's text format: [1,2,3].
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector parses pgvector's text format back into a float32 slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
