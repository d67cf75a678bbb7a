package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"

	"github.com/hack-pad/hackpadfs"
	"github.com/sirupsen/logrus"

	"github.com/kittclouds/sessiongraph/pkg/rank"
	"github.com/kittclouds/sessiongraph/pkg/vector"
)

const vecMigration = 3

// EncodeVector packs v as little-endian float32, the layout vec0 reads.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4: %w", len(b), ErrInvalidInput)
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// initVectorBackend resolves the configured backend against what the
// migrations managed to create. Caller holds wmu.
func (s *Store) initVectorBackend(ctx context.Context) error {
	applied, err := s.migrationApplied(ctx, vecMigration)
	if err != nil {
		return err
	}
	vecDim := 0
	if applied {
		v, ok, err := s.metaValue(ctx, "vec_dimension")
		if err != nil {
			return err
		}
		if ok {
			vecDim, _ = strconv.Atoi(v)
		}
	}

	var backend VectorBackend
	switch s.wantBackend {
	case VectorAuto:
		backend = VectorHNSW
		if vecDim > 0 {
			backend = VectorVec0
		}
	case VectorVec0:
		backend = VectorNone
		if vecDim > 0 {
			backend = VectorVec0
		} else {
			s.log.Warn("vec0 backend requested but unavailable, vector search disabled")
		}
	case VectorHNSW, VectorNone:
		backend = s.wantBackend
	default:
		return fmt.Errorf("vector backend %q: %w", s.wantBackend, ErrInvalidInput)
	}

	s.vmu.Lock()
	s.vecDim = vecDim
	s.backend = backend
	if backend != VectorHNSW {
		s.hnsw = nil
	}
	s.vmu.Unlock()

	if backend == VectorHNSW {
		if err := s.loadHNSW(ctx); err != nil {
			return err
		}
	}
	s.log.WithFields(logrus.Fields{"backend": backend, "vec_dimension": vecDim}).Debug("vector backend ready")
	return nil
}

// ActiveVectorBackend is the backend serving VectorSearch.
func (s *Store) ActiveVectorBackend() VectorBackend {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.backend
}

func (s *Store) hasVecTable() bool {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.vecDim > 0
}

func (s *Store) hnswIndex() *vector.Index {
	s.vmu.RLock()
	defer s.vmu.RUnlock()
	return s.hnsw
}

func (s *Store) loadHNSW(ctx context.Context) error {
	ix := vector.NewIndex()

	if s.indexSnapshot != "" {
		err := ix.Load(s.history, s.indexSnapshot)
		switch {
		case err == nil:
			var count int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_embeddings`).Scan(&count); err != nil {
				return err
			}
			if count == ix.Len() {
				s.setHNSW(ix)
				return nil
			}
			s.log.WithFields(logrus.Fields{"snapshot": ix.Len(), "rows": count}).Info("vector snapshot stale, rebuilding")
			ix = vector.NewIndex()
		case errors.Is(err, hackpadfs.ErrNotExist):
		default:
			s.log.WithError(err).Warn("vector snapshot unreadable, rebuilding")
			ix = vector.NewIndex()
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT node_id, embedding FROM node_embeddings ORDER BY node_id`)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		v, err := DecodeVector(blob)
		if err != nil {
			return err
		}
		if err := ix.Upsert(id, v); err != nil {
			s.log.WithError(err).WithField("node_id", id).Warn("embedding not indexed")
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.setHNSW(ix)
	return nil
}

func (s *Store) setHNSW(ix *vector.Index) {
	s.vmu.Lock()
	s.hnsw = ix
	s.vmu.Unlock()
}

func (s *Store) resetHNSW() {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	if s.hnsw != nil {
		s.hnsw = vector.NewIndex()
	}
}

func (s *Store) removeFromHNSW(id string) {
	if ix := s.hnswIndex(); ix != nil {
		ix.Remove(id)
	}
}

func (s *Store) reloadHNSW(ctx context.Context) error {
	if s.ActiveVectorBackend() != VectorHNSW {
		return nil
	}
	snap := s.indexSnapshot
	s.indexSnapshot = ""
	defer func() { s.indexSnapshot = snap }()
	return s.loadHNSW(ctx)
}

// SaveVectorIndex writes the HNSW snapshot. It is a no-op for other
// backends or when no snapshot path is configured.
func (s *Store) SaveVectorIndex() error {
	ix := s.hnswIndex()
	if ix == nil || s.indexSnapshot == "" {
		return nil
	}
	if err := hackpadfs.MkdirAll(s.history, path.Dir(s.indexSnapshot), 0o755); err != nil {
		return err
	}
	return ix.Save(s.history, s.indexSnapshot)
}

// UpsertEmbedding replaces the embedding of emb.NodeID. The row and the
// vec0 entry are written in one transaction.
func (s *Store) UpsertEmbedding(ctx context.Context, emb Embedding) error {
	if len(emb.Vector) == 0 || emb.ModelName == "" {
		return fmt.Errorf("embedding for %s: %w", emb.NodeID, ErrInvalidInput)
	}
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = s.now().UTC()
	}
	ix := s.hnswIndex()
	if ix != nil && ix.Dim() != 0 && ix.Len() > 0 && ix.Dim() != len(emb.Vector) {
		return fmt.Errorf("embedding for %s has %d dims, index %d: %w: %w",
			emb.NodeID, len(emb.Vector), ix.Dim(), ErrDimensionMismatch, ErrInvalidInput)
	}

	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := requireNodes(ctx, tx, emb.NodeID); err != nil {
			return err
		}
		return s.writeEmbeddingTx(ctx, tx, &emb)
	})
	if err != nil {
		return err
	}

	if ix != nil {
		if err := ix.Upsert(emb.NodeID, emb.Vector); err != nil {
			s.log.WithError(err).WithField("node_id", emb.NodeID).Warn("embedding stored but not indexed")
		}
	}
	return nil
}

func (s *Store) writeEmbeddingTx(ctx context.Context, tx *sql.Tx, emb *Embedding) error {
	vecDim := 0
	if s.hasVecTable() {
		s.vmu.RLock()
		vecDim = s.vecDim
		s.vmu.RUnlock()
		if len(emb.Vector) != vecDim {
			return fmt.Errorf("embedding for %s has %d dims, vec index %d: %w: %w",
				emb.NodeID, len(emb.Vector), vecDim, ErrDimensionMismatch, ErrInvalidInput)
		}
	}

	blob := EncodeVector(emb.Vector)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_embeddings (node_id, embedding, dimension, model_name, input_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			embedding = excluded.embedding, dimension = excluded.dimension,
			model_name = excluded.model_name, input_text = excluded.input_text,
			created_at = excluded.created_at
	`, emb.NodeID, blob, len(emb.Vector), emb.ModelName, emb.InputText, millis(emb.CreatedAt))
	if err != nil {
		return fmt.Errorf("write embedding %s: %w", emb.NodeID, err)
	}

	if vecDim == 0 {
		return nil
	}
	var rowID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM node_embeddings WHERE node_id = ?`, emb.NodeID).Scan(&rowID); err != nil {
		return err
	}
	// vec0 has no upsert
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_embeddings_vec WHERE rowid = ?`, rowID); err != nil {
		return fmt.Errorf("write vec index %s: %w", emb.NodeID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO node_embeddings_vec (rowid, embedding) VALUES (?, ?)`, rowID, blob); err != nil {
		return fmt.Errorf("write vec index %s: %w", emb.NodeID, err)
	}
	return nil
}

// GetEmbedding returns the embedding for nodeID.
func (s *Store) GetEmbedding(ctx context.Context, nodeID string) (*Embedding, error) {
	var blob []byte
	var createdAt int64
	emb := Embedding{NodeID: nodeID}
	err := s.db.QueryRowContext(ctx, `
		SELECT embedding, model_name, input_text, created_at FROM node_embeddings WHERE node_id = ?
	`, nodeID).Scan(&blob, &emb.ModelName, &emb.InputText, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("embedding %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if emb.Vector, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	emb.CreatedAt = fromMillis(createdAt)
	return &emb, nil
}

func allEmbeddingsTx(ctx context.Context, tx *sql.Tx) ([]*Embedding, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT node_id, embedding, model_name, input_text, created_at FROM node_embeddings ORDER BY node_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var e Embedding
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&e.NodeID, &blob, &e.ModelName, &e.InputText, &createdAt); err != nil {
			return nil, err
		}
		if e.Vector, err = DecodeVector(blob); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// VectorHit is one nearest neighbour with cosine similarity in [0, 1].
type VectorHit struct {
	NodeID     string
	Similarity float64
}

// VectorSearch returns up to k nodes nearest to query. It fails with
// ErrCapabilityUnavailable when no vector backend is active.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector: %w", ErrInvalidInput)
	}
	if k <= 0 {
		return nil, nil
	}

	switch s.ActiveVectorBackend() {
	case VectorVec0:
		return s.searchVec0(ctx, query, k)
	case VectorHNSW:
		ix := s.hnswIndex()
		if ix == nil {
			return nil, fmt.Errorf("vector index not loaded: %w", ErrCapabilityUnavailable)
		}
		if ix.Len() > 0 && ix.Dim() != len(query) {
			return nil, fmt.Errorf("query has %d dims, index %d: %w: %w", len(query), ix.Dim(), ErrDimensionMismatch, ErrInvalidInput)
		}
		matches, err := ix.Search(query, k)
		if err != nil {
			return nil, err
		}
		out := make([]VectorHit, len(matches))
		for i, m := range matches {
			out[i] = VectorHit{NodeID: m.ID, Similarity: rank.VectorSimilarity(1 - m.Similarity)}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("vector search disabled: %w", ErrCapabilityUnavailable)
	}
}

func (s *Store) searchVec0(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	s.vmu.RLock()
	dim := s.vecDim
	s.vmu.RUnlock()
	if len(query) != dim {
		return nil, fmt.Errorf("query has %d dims, vec index %d: %w: %w", len(query), dim, ErrDimensionMismatch, ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH knn AS (
			SELECT rowid, distance FROM node_embeddings_vec
			WHERE embedding MATCH ? AND k = ?
		)
		SELECT e.node_id, knn.distance
		FROM knn JOIN node_embeddings e ON e.id = knn.rowid
		ORDER BY knn.distance, e.node_id
	`, EncodeVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("vec search: %w", err)
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		var distance float64
		if err := rows.Scan(&h.NodeID, &distance); err != nil {
			return nil, err
		}
		h.Similarity = rank.VectorSimilarity(distance)
		out = append(out, h)
	}
	return out, rows.Err()
}

// NodesNeedingEmbedding returns IDs of nodes with no embedding, an
// embedding from a model other than model, or input text lacking marker.
// force selects every node. Newest nodes come first.
func (s *Store) NodesNeedingEmbedding(ctx context.Context, model, marker string, limit int, force bool) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id FROM nodes n
		LEFT JOIN node_embeddings e ON e.node_id = n.id
		WHERE ? OR e.node_id IS NULL OR e.model_name != ? OR instr(e.input_text, ?) = 0
		ORDER BY n.timestamp DESC, n.id
		LIMIT ?
	`, force, model, marker, limit)
	if err != nil {
		return nil, fmt.Errorf("nodes needing embedding: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountNodesNeedingEmbedding is the read-only count behind
// NodesNeedingEmbedding.
func (s *Store) CountNodesNeedingEmbedding(ctx context.Context, model, marker string, force bool) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM nodes n
		LEFT JOIN node_embeddings e ON e.node_id = n.id
		WHERE ? OR e.node_id IS NULL OR e.model_name != ? OR instr(e.input_text, ?) = 0
	`, force, model, marker).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count nodes needing embedding: %w", err)
	}
	return count, nil
}
