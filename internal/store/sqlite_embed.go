//go:build !sqlitevec

package store

// The stock SQLite build. It has FTS5 but no sqlite-vec, so the vec0
// migration is recorded as skipped and similarity search uses HNSW.
import _ "github.com/ncruces/go-sqlite3/embed"
