package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/sirupsen/logrus"

	"github.com/kittclouds/sessiongraph/internal/metrics"
	"github.com/kittclouds/sessiongraph/pkg/vector"
)

// VectorBackend selects how similarity search is served.
type VectorBackend string

const (
	// VectorAuto uses vec0 when the extension is loaded and falls back to HNSW.
	VectorAuto VectorBackend = "auto"
	VectorVec0 VectorBackend = "vec0"
	VectorHNSW VectorBackend = "hnsw"
	// VectorNone disables similarity search; searches degrade to keyword-only.
	VectorNone VectorBackend = "none"
)

// Options configures Open. The zero value opens an in-memory database with
// in-memory version history.
type Options struct {
	// Path is the SQLite file; empty or ":memory:" keeps everything in memory.
	Path string

	// History receives the append-only version files under HistoryRoot.
	History     hackpadfs.FS
	HistoryRoot string

	VectorBackend   VectorBackend
	VectorDimension int
	// IndexSnapshot is a path in History where the HNSW index is saved by
	// SaveVectorIndex and reloaded on Open. Empty disables snapshots.
	IndexSnapshot string

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Store is the SQLite-backed node/edge store. Writes are serialized by a
// single mutex; reads run concurrently in their own transactions.
type Store struct {
	db  *sql.DB
	wmu sync.Mutex
	gen atomic.Uint64

	history     hackpadfs.FS
	historyRoot string

	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	caps map[Capability]bool

	vmu           sync.RWMutex
	wantBackend   VectorBackend
	backend       VectorBackend
	dim           int
	vecDim        int
	hnsw          *vector.Index
	indexSnapshot string
}

// Open connects to the database, applies pending migrations and prepares
// the vector backend.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dsn, inMemory := buildDSN(opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:            db,
		history:       opts.History,
		historyRoot:   strings.Trim(opts.HistoryRoot, "/"),
		log:           opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
		wantBackend:   opts.VectorBackend,
		dim:           opts.VectorDimension,
		indexSnapshot: opts.IndexSnapshot,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.wantBackend == "" {
		s.wantBackend = VectorAuto
	}
	if s.history == nil {
		fs, err := mem.NewFS()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create history fs: %w", err)
		}
		s.history = fs
		s.log.Debug("version history kept in memory")
	}

	s.caps = s.detectCapabilities(ctx)

	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func buildDSN(path string) (string, bool) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path == "" || path == ":memory:" {
		return "file::memory:?" + q.Encode(), true
	}
	q.Add("_pragma", "journal_mode(wal)")
	return "file:" + path + "?" + q.Encode(), false
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Generation increases after every committed write. Caches key on it.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

func (s *Store) bump() {
	s.gen.Add(1)
}

func (s *Store) readTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

// withWrite runs fn in a serialized write transaction.
func (s *Store) withWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, fn)
}

func (s *Store) writeLocked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.bump()
	return nil
}

// ClearAllData removes every node, edge, embedding and text-index row.
// Version files are kept so Rebuild can restore the live tables.
func (s *Store) ClearAllData(ctx context.Context) error {
	err := s.withWrite(ctx, s.clearTx)
	if err != nil {
		return fmt.Errorf("clear data: %w", err)
	}
	s.resetHNSW()
	s.log.Info("cleared all store data")
	return nil
}

func (s *Store) clearTx(tx *sql.Tx) error {
	stmts := []string{
		`DELETE FROM edges`,
		`DELETE FROM node_embeddings`,
		`DELETE FROM nodes`,
		`DELETE FROM nodes_fts`,
	}
	if s.hasVecTable() {
		stmts = append(stmts, `DELETE FROM node_embeddings_vec`)
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a cheap summary of table sizes.
type Stats struct {
	Nodes         int           `json:"nodes"`
	Edges         int           `json:"edges"`
	Unresolved    int           `json:"unresolvedEdges"`
	Embeddings    int           `json:"embeddings"`
	VectorBackend VectorBackend `json:"vectorBackend"`
	Generation    uint64        `json:"generation"`
}

// Stats reads the current table sizes in one query.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{VectorBackend: s.ActiveVectorBackend(), Generation: s.Generation()}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes),
			(SELECT COUNT(*) FROM edges),
			(SELECT COUNT(*) FROM edges WHERE target_node_id IS NULL),
			(SELECT COUNT(*) FROM node_embeddings)
	`).Scan(&st.Nodes, &st.Edges, &st.Unresolved, &st.Embeddings)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
