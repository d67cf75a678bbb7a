package vector

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"

	"github.com/kittclouds/sessiongraph/pkg/rank"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyVector       = errors.New("empty vector")
)

// Match is a single nearest-neighbour hit.
type Match struct {
	ID         string
	Similarity float64
}

// Index is an in-memory HNSW index keyed by node ID.
//
// HNSW graphs cannot drop vertices, so replaced and removed entries are
// tombstoned and filtered at query time. The graph is rebuilt from the live
// entries once tombstones outnumber them.
type Index struct {
	mu      sync.RWMutex
	graph   *hnsw.HNSW[vector.VF32]
	dim     int
	next    uint32
	keys    map[string]uint32
	ids     map[uint32]string
	vecs    map[string][]float32
	deleted int
}

// NewIndex returns an empty cosine index.
func NewIndex() *Index {
	return &Index{
		graph: newGraph(),
		keys:  make(map[string]uint32),
		ids:   make(map[uint32]string),
		vecs:  make(map[string][]float32),
	}
}

func newGraph() *hnsw.HNSW[vector.VF32] {
	return hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
}

// Dim is the dimension fixed by the first inserted vector, or 0.
func (ix *Index) Dim() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Len returns the number of live entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

// Upsert inserts or replaces the vector stored for id.
func (ix *Index) Upsert(id string, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim != 0 && len(vec) != ix.dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, ix.dim, len(vec))
	}
	if ix.dim == 0 {
		ix.dim = len(vec)
	}

	if old, ok := ix.keys[id]; ok {
		delete(ix.ids, old)
		ix.deleted++
	}

	cp := make([]float32, len(vec))
	copy(cp, vec)

	ix.next++
	key := ix.next
	ix.keys[id] = key
	ix.ids[key] = id
	ix.vecs[id] = cp
	ix.graph.Insert(vector.VF32{Key: key, Vec: pad(cp)})

	ix.maybeCompact()
	return nil
}

// Remove drops id from the index. Unknown IDs are ignored.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key, ok := ix.keys[id]
	if !ok {
		return
	}
	delete(ix.keys, id)
	delete(ix.ids, key)
	delete(ix.vecs, id)
	ix.deleted++

	if len(ix.vecs) == 0 {
		ix.reset()
		return
	}
	ix.maybeCompact()
}

// Search returns up to k live entries ordered by descending cosine
// similarity. Ties break on ID.
func (ix *Index) Search(query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.vecs) == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, ix.dim, len(query))
	}

	want := k + ix.deleted
	ef := want * 2
	if ef < 100 {
		ef = 100
	}

	hits := ix.graph.Search(vector.VF32{Vec: pad(query)}, want, ef)

	out := make([]Match, 0, k)
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		id, ok := ix.ids[h.Key]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Match{ID: id, Similarity: rank.CosineSimilarity(query, ix.vecs[id])})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// pad returns v zero-extended to a multiple of 4, the lane width the
// cosine kernel requires. Zero components change neither dot products nor
// norms, so similarities are unaffected.
func pad(v []float32) []float32 {
	n := (len(v) + 3) &^ 3
	if n == len(v) {
		return v
	}
	out := make([]float32, n)
	copy(out, v)
	return out
}

func (ix *Index) reset() {
	ix.graph = newGraph()
	ix.dim = 0
	ix.next = 0
	ix.deleted = 0
	ix.keys = make(map[string]uint32)
	ix.ids = make(map[uint32]string)
	ix.vecs = make(map[string][]float32)
}

func (ix *Index) maybeCompact() {
	if ix.deleted <= len(ix.vecs) {
		return
	}
	ix.rebuild(ix.vecs, ix.dim)
}

// rebuild replaces the graph with one holding only vecs, in ID order so
// key assignment is reproducible.
func (ix *Index) rebuild(vecs map[string][]float32, dim int) {
	ids := make([]string, 0, len(vecs))
	for id := range vecs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ix.graph = newGraph()
	ix.dim = dim
	ix.next = 0
	ix.deleted = 0
	ix.keys = make(map[string]uint32, len(ids))
	ix.ids = make(map[uint32]string, len(ids))
	live := make(map[string][]float32, len(ids))

	for _, id := range ids {
		ix.next++
		key := ix.next
		ix.keys[id] = key
		ix.ids[key] = id
		live[id] = vecs[id]
		ix.graph.Insert(vector.VF32{Key: key, Vec: pad(vecs[id])})
	}
	ix.vecs = live
}

type snapshot struct {
	Dim     int
	Entries map[string][]float32
}

// Save writes the live entries to path on fsys.
func (ix *Index) Save(fsys hackpadfs.FS, path string) error {
	ix.mu.RLock()
	snap := snapshot{Dim: ix.dim, Entries: ix.vecs}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snap)
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	if err := hackpadfs.WriteFullFile(fsys, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	return nil
}

// Load replaces the index contents with the snapshot at path.
func (ix *Index) Load(fsys hackpadfs.FS, path string) error {
	content, err := hackpadfs.ReadFile(fsys, path)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&snap); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	for id, v := range snap.Entries {
		if len(v) != snap.Dim {
			return fmt.Errorf("%w: entry %s has %d dims, snapshot %d", ErrDimensionMismatch, id, len(v), snap.Dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(snap.Entries) == 0 {
		ix.reset()
		return nil
	}
	ix.rebuild(snap.Entries, snap.Dim)
	return nil
}
