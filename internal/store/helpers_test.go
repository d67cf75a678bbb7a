package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/sessiongraph/pkg/ident"
)

var testClock = time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestStore opens a temp-file store with in-memory history and the HNSW
// vector backend, so tests do not depend on the vec0 extension.
func newTestStore(t *testing.T, mutate ...func(*Options)) (*Store, hackpadfs.FS) {
	t.Helper()

	fs, err := mem.NewFS()
	require.NoError(t, err)

	opts := Options{
		Path:          filepath.Join(t.TempDir(), "graph.db"),
		History:       fs,
		HistoryRoot:   "history",
		VectorBackend: VectorHNSW,
		Logger:        quietLogger(),
		Now:           func() time.Time { return testClock },
	}
	for _, m := range mutate {
		m(&opts)
	}

	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, fs
}

func segmentID(n int) string {
	return ident.DeterministicID("session.jsonl", string(rune('a'+n)), string(rune('A'+n)))
}

func testNode(id string, typ NodeType, project, summary string) *Node {
	n := NewNode(id)
	n.Classification.Type = typ
	n.Classification.Project = project
	n.Classification.Outcome = OutcomeSuccess
	n.Content.Summary = summary
	n.Metadata.Timestamp = testClock
	n.Metadata.Computer = "laptop"
	return n
}

func mustCreate(t *testing.T, s *Store, n *Node) *Node {
	t.Helper()
	out, err := s.CreateNode(context.Background(), n)
	require.NoError(t, err)
	return out
}

func mustEdge(t *testing.T, s *Store, from, to string, typ EdgeType) *Edge {
	t.Helper()
	e, err := s.CreateEdge(context.Background(), from, to, typ, EdgeOptions{})
	require.NoError(t, err)
	return e
}

func countRows(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(query, args...).Scan(&n))
	return n
}
