package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Capability is an optional feature of the SQLite build.
type Capability string

const CapabilityVec Capability = "vec"

func (s *Store) detectCapabilities(ctx context.Context) map[Capability]bool {
	caps := make(map[Capability]bool)

	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT vec_version()`).Scan(&v); err == nil {
		caps[CapabilityVec] = true
		s.log.WithField("vec_version", v).Debug("sqlite-vec available")
	} else {
		s.log.WithError(err).Warn("sqlite-vec not available")
	}
	return caps
}

// HasCapability reports whether the SQLite build supports c.
func (s *Store) HasCapability(c Capability) bool {
	return s.caps[c]
}

type migration struct {
	version int
	name    string
	// requires returns a non-empty reason when the step cannot run here.
	requires func(s *Store) string
	up       func(ctx context.Context, tx *sql.Tx, s *Store) error
}

const (
	MigrationApplied = "applied"
	MigrationSkipped = "skipped"
)

// MigrationRecord is one row of schema_migrations.
type MigrationRecord struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS store_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const coreSchema = `
-- Live rows: one per node, always the highest version.
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    type TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT '',
    computer TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    data TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_outcome ON nodes(outcome);
CREATE INDEX IF NOT EXISTS idx_nodes_timestamp ON nodes(timestamp);

CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY,
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    what TEXT NOT NULL,
    why TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS lessons (
    id INTEGER PRIMARY KEY,
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    confidence TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS model_quirks (
    id INTEGER PRIMARY KEY,
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    model TEXT NOT NULL DEFAULT '',
    observation TEXT NOT NULL,
    workaround TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tool_errors (
    id INTEGER PRIMARY KEY,
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    tool TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    resolution TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decisions_node ON decisions(node_id);
CREATE INDEX IF NOT EXISTS idx_lessons_node ON lessons(node_id);
CREATE INDEX IF NOT EXISTS idx_model_quirks_node ON model_quirks(node_id);
CREATE INDEX IF NOT EXISTS idx_tool_errors_node ON tool_errors(node_id);

CREATE TABLE IF NOT EXISTS node_tags (
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    tag TEXT NOT NULL,
    PRIMARY KEY (node_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags(tag);

CREATE TABLE IF NOT EXISTS node_topics (
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    topic TEXT NOT NULL,
    PRIMARY KEY (node_id, topic)
);
CREATE INDEX IF NOT EXISTS idx_node_topics_topic ON node_topics(topic);

-- Unresolved edges have a NULL target and carry the description in metadata.
CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    source_node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target_node_id TEXT REFERENCES nodes(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_by TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_triple ON edges(source_node_id, target_node_id, type);

CREATE TABLE IF NOT EXISTS node_embeddings (
    id INTEGER PRIMARY KEY,
    node_id TEXT NOT NULL UNIQUE REFERENCES nodes(id) ON DELETE CASCADE,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    model_name TEXT NOT NULL,
    input_text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
    node_id UNINDEXED,
    summary,
    decisions,
    lessons,
    tags,
    topics,
    tokenize = 'porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS nodes_fts_ad AFTER DELETE ON nodes BEGIN
    DELETE FROM nodes_fts WHERE node_id = old.id;
END;
`

var migrations = []migration{
	{
		version: 1,
		name:    "core_schema",
		up: func(ctx context.Context, tx *sql.Tx, _ *Store) error {
			_, err := tx.ExecContext(ctx, coreSchema)
			return err
		},
	},
	{
		version: 2,
		name:    "fts_index",
		up: func(ctx context.Context, tx *sql.Tx, _ *Store) error {
			_, err := tx.ExecContext(ctx, ftsSchema)
			return err
		},
	},
	{
		version: 3,
		name:    "vec_index",
		requires: func(s *Store) string {
			if !s.HasCapability(CapabilityVec) {
				return "sqlite-vec extension not loaded"
			}
			if s.dim <= 0 {
				return "vector dimension not configured"
			}
			return ""
		},
		up: createVecIndex,
	},
}

// createVecIndex builds the vec0 table keyed by node_embeddings.id and copies
// in any embeddings written while the capability was missing.
func createVecIndex(ctx context.Context, tx *sql.Tx, s *Store) error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS node_embeddings_vec USING vec0(
			embedding float[%d] distance_metric=cosine
		)`, s.dim),
		`CREATE TRIGGER IF NOT EXISTS node_embeddings_vec_ad AFTER DELETE ON node_embeddings BEGIN
			DELETE FROM node_embeddings_vec WHERE rowid = old.id;
		END`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_embeddings_vec(rowid, embedding)
		SELECT id, embedding FROM node_embeddings WHERE dimension = ?
	`, s.dim); err != nil {
		return fmt.Errorf("backfill vec index: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO store_meta(key, value) VALUES ('vec_dimension', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(s.dim))
	return err
}

// Migrate applies pending migrations in order. A step whose capability is
// missing, or a capability-gated step that fails, is recorded as skipped and
// retried on the next call; the remaining steps still run.
func (s *Store) Migrate(ctx context.Context) ([]MigrationRecord, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	done, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		log := s.log.WithFields(logrus.Fields{"migration": m.version, "name": m.name})

		if m.requires != nil {
			if reason := m.requires(s); reason != "" {
				if err := s.recordMigration(ctx, s.db, m, MigrationSkipped, reason); err != nil {
					return nil, err
				}
				log.WithField("reason", reason).Warn("migration skipped")
				s.metrics.Migration(MigrationSkipped)
				continue
			}
		}

		err := s.writeLocked(ctx, func(tx *sql.Tx) error {
			if err := m.up(ctx, tx, s); err != nil {
				return err
			}
			return s.recordMigration(ctx, tx, m, MigrationApplied, "")
		})
		if err != nil {
			if m.requires == nil {
				return nil, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			if rerr := s.recordMigration(ctx, s.db, m, MigrationSkipped, err.Error()); rerr != nil {
				return nil, rerr
			}
			log.WithError(err).Warn("migration failed, skipped")
			s.metrics.Migration(MigrationSkipped)
			continue
		}
		log.Info("migration applied")
		s.metrics.Migration(MigrationApplied)
	}

	if err := s.initVectorBackend(ctx); err != nil {
		return nil, err
	}
	return s.migrationStatus(ctx)
}

// MigrationStatus lists every recorded migration step.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationRecord, error) {
	return s.migrationStatus(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) recordMigration(ctx context.Context, db execer, m migration, status, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO schema_migrations(version, name, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			status = excluded.status, reason = excluded.reason, updated_at = excluded.updated_at
	`, m.version, m.name, status, reason, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	recs, err := s.migrationStatus(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(recs))
	for _, r := range recs {
		if r.Status == MigrationApplied {
			done[r.Version] = true
		}
	}
	return done, nil
}

func (s *Store) migrationStatus(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, status, reason FROM schema_migrations ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.Status, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) migrationApplied(ctx context.Context, version int) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM schema_migrations WHERE version = ?`, version).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == MigrationApplied, nil
}

func (s *Store) metaValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
