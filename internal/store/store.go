package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/cortexkeep/internal/apperr"
)

// Store wraps a pgx connection pool. It is the single object in the process
// that issues SQL; every other package calls its typed methods.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// Open creates the connection pool but does not migrate the schema; call
// Init for that.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &apperr.StoreUnavailable{Op: "open", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &apperr.StoreUnavailable{Op: "ping", Err: err}
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections. Idempotent.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for components that need direct,
// read-only access (e.g. health checks). It must never be used to run
// mutating SQL from outside this package.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withConn scopes a pool acquisition so the connection is always released,
// even on an early error return.
func (s *Store) withConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return &apperr.StoreUnavailable{Op: "acquire", Err: err}
	}
	defer conn.Release()
	return fn(conn)
}

// withTx runs fn inside a transaction: defer tx.Rollback(ctx) followed by an
// explicit tx.Commit(ctx) on the success path. Rollback after commit is a
// documented no-op in pgx, so this is safe on every exit path.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyErr("begin_tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyErr("commit_tx", err)
	}
	return nil
}

// classifyErr maps a pgx error to the store error taxonomy:
// integrity-constraint violations (SQLSTATE class 23) become StoreConflict;
// everything else reaching here is treated as connectivity/availability.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return &apperr.StoreConflict{Op: op, Err: err}
		}
	}
	return &apperr.StoreUnavailable{Op: op, Err: err}
}

// schema is the embedded migration script; Init applies it idempotently
// on startup.
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS core_memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	access_count BIGINT NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(user_id, key)
);
CREATE INDEX IF NOT EXISTS idx_core_memories_user ON core_memories(user_id);

CREATE TABLE IF NOT EXISTS recall_memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding vector(%[1]d) NOT NULL,
	importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	access_count BIGINT NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_recall_memories_user ON recall_memories(user_id);
CREATE INDEX IF NOT EXISTS idx_recall_memories_embedding ON recall_memories
	USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS archival_memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	session_id TEXT,
	compressed BOOLEAN NOT NULL DEFAULT false,
	compressed_into_id TEXT REFERENCES archival_memories(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_archival_memories_user ON archival_memories(user_id);
CREATE INDEX IF NOT EXISTS idx_archival_memories_session ON archival_memories(session_id)
	WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_archival_memories_compressed ON archival_memories(compressed)
	WHERE compressed = true;

CREATE TABLE IF NOT EXISTS knowledge_nodes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	label TEXT NOT NULL,
	node_type TEXT NOT NULL DEFAULT '',
	properties JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding vector(%[1]d),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_knowledge_nodes_user ON knowledge_nodes(user_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_nodes_embedding ON knowledge_nodes
	USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS knowledge_edges (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
	edge_type TEXT NOT NULL,
	weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	properties JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(source_id, target_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_edges_source ON knowledge_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_edges_target ON knowledge_edges(target_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('system','user','assistant')),
	content TEXT NOT NULL,
	tokens INT NOT NULL DEFAULT 0,
	partial BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS offload_entries (
	session_id TEXT NOT NULL,
	idx INT NOT NULL,
	priority INT NOT NULL,
	payload JSONB NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, idx)
);

CREATE TABLE IF NOT EXISTS pending_approvals (
	request_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	intent TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_status ON pending_approvals(status, expires_at);

CREATE TABLE IF NOT EXISTS metric_events (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id_hash TEXT NOT NULL,
	intent TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	latency_ms BIGINT NOT NULL,
	tokens_in INT NOT NULL,
	tokens_out INT NOT NULL,
	sources_count INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_metric_events_created ON metric_events(created_at);

CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_core_memories_updated ON core_memories;
CREATE TRIGGER trg_core_memories_updated BEFORE UPDATE ON core_memories
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();

DROP TRIGGER IF EXISTS trg_archival_memories_updated ON archival_memories;
CREATE TRIGGER trg_archival_memories_updated BEFORE UPDATE ON archival_memories
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();

DROP TRIGGER IF EXISTS trg_sessions_updated ON sessions;
CREATE TRIGGER trg_sessions_updated BEFORE UPDATE ON sessions
	FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`

// Init runs the schema migration. dim is the single module-level vector
// dimension; it must match the Embedding Client's configured output size
// for the life of the database.
func (s *Store) Init(ctx context.Context, dim int) error {
	s.dim = dim
	script := fmt.Sprintf(schemaTemplate, dim)
	_, err := s.pool.Exec(ctx, script)
	if err != nil {
		return classifyErr("init_schema", err)
	}
	return nil
}

// Dim returns the configured embedding vector dimension.
func (s *Store) Dim() int { return s.dim }
