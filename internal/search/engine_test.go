package search

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/sessiongraph/internal/metrics"
	"github.com/kittclouds/sessiongraph/internal/store"
	"github.com/kittclouds/sessiongraph/pkg/ident"
	"github.com/kittclouds/sessiongraph/pkg/rank"
)

var now = time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	engine  *Engine
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, backend store.VectorBackend) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := store.Open(context.Background(), store.Options{
		Path:          filepath.Join(t.TempDir(), "graph.db"),
		History:       fs,
		VectorBackend: backend,
		Logger:        log,
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := metrics.New(prometheus.NewRegistry())
	e, err := NewEngine(s, Options{Logger: log, Metrics: m, Now: func() time.Time { return now }})
	require.NoError(t, err)
	return &fixture{store: s, engine: e, metrics: m}
}

func nodeID(n int) string {
	return ident.DeterministicID("search.jsonl", string(rune('a'+n)), "")
}

func (f *fixture) add(t *testing.T, n int, typ store.NodeType, summary string, mutate ...func(*store.Node)) *store.Node {
	t.Helper()
	node := store.NewNode(nodeID(n))
	node.Classification.Type = typ
	node.Classification.Project = "p"
	node.Content.Summary = summary
	node.Metadata.Timestamp = now
	for _, m := range mutate {
		m(node)
	}
	out, err := f.store.CreateNode(context.Background(), node)
	require.NoError(t, err)
	return out
}

func (f *fixture) embed(t *testing.T, id string, v ...float32) {
	t.Helper()
	require.NoError(t, f.store.UpsertEmbedding(context.Background(), store.Embedding{NodeID: id, Vector: v, ModelName: "m"}))
}

func resultIDs(r *Response) []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Node.ID
	}
	return out
}

func TestSearch_KeywordExample(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	a := f.add(t, 0, store.TypeCoding, "Wrote the session importer")
	b := f.add(t, 1, store.TypeDebugging, "Debugging a crash in the importer")
	_, err := f.store.CreateEdge(ctx, a.ID, b.ID, store.EdgeContinuation, store.EdgeOptions{})
	require.NoError(t, err)

	resp, err := f.engine.Search(ctx, Query{Text: "debug"})
	require.NoError(t, err)
	assert.Equal(t, MethodKeyword, resp.Method)
	assert.False(t, resp.Degraded)
	require.Equal(t, []string{b.ID}, resultIDs(resp))
	assert.Equal(t, 1, resp.Total)

	res := resp.Results[0]
	require.NotEmpty(t, res.Highlights)
	assert.Equal(t, store.FieldSummary, res.Highlights[0].Field)
	assert.Equal(t, "<mark>Debug</mark>ging a crash in the importer", res.Highlights[0].Snippet)

	assert.InDelta(t, 1.0, res.Score.Text, 1e-9)
	assert.Greater(t, res.Score.Relation, 0.0)
	assert.Equal(t, 1.0, res.Score.Recency)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Searches.WithLabelValues(MethodKeyword)))
}

func TestSearch_HighlightsStemmedMatches(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	n := f.add(t, 0, store.TypeDebugging, "we debug the runs of the parser")

	resp, err := f.engine.Search(ctx, Query{Text: "running debugging"})
	require.NoError(t, err)
	require.Equal(t, []string{n.ID}, resultIDs(resp))

	hl := resp.Results[0].Highlights
	require.NotEmpty(t, hl)
	assert.Equal(t, store.FieldSummary, hl[0].Field)
	assert.Contains(t, hl[0].Snippet, "<mark>debug</mark>")
	assert.Contains(t, hl[0].Snippet, "<mark>run</mark>s")
}

func TestSearch_ScoresStayInUnitRange(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	strong := f.add(t, 0, store.TypeCoding, "cache invalidation bug in the cache layer")
	f.embed(t, strong.ID, 1, 0, 0)
	textOnly := f.add(t, 1, store.TypeCoding, "cache warmup")
	f.embed(t, textOnly.ID, 0, 0, 1)
	vecOnly := f.add(t, 2, store.TypeResearch, "unrelated reading", func(n *store.Node) {
		n.Metadata.Timestamp = now.Add(-90 * 24 * time.Hour)
	})
	f.embed(t, vecOnly.ID, 0.95, 0.05, 0)
	for _, other := range []string{textOnly.ID, vecOnly.ID} {
		_, err := f.store.CreateEdge(ctx, strong.ID, other, store.EdgeReference, store.EdgeOptions{})
		require.NoError(t, err)
	}

	resp, err := f.engine.Search(ctx, Query{Text: "cache", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, MethodHybrid, resp.Method)
	require.Equal(t, 3, resp.Total)

	// agreement on several signals wins
	assert.Equal(t, strong.ID, resp.Results[0].Node.ID)
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score.Final, 0.0, r.Node.ID)
		assert.LessOrEqual(t, r.Score.Final, 1.0, r.Node.ID)
		assert.InDelta(t, r.Score.Raw/rank.DefaultWeights().Sum(), r.Score.Final, 1e-9)
	}
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score.Final, resp.Results[i].Score.Final)
	}
}

func TestSearch_TagFilterUsesAND(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	both := f.add(t, 0, store.TypeCoding, "parser rewrite", func(n *store.Node) { n.Semantic.Tags = []string{"x", "y"} })
	f.add(t, 1, store.TypeCoding, "parser tests", func(n *store.Node) { n.Semantic.Tags = []string{"x"} })
	f.add(t, 2, store.TypeCoding, "parser docs", func(n *store.Node) { n.Semantic.Tags = []string{"y"} })

	resp, err := f.engine.Search(ctx, Query{Text: "parser", Filter: store.ListFilter{Tags: []string{"x", "y"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{both.ID}, resultIDs(resp))
	assert.Equal(t, 1, resp.Total)

	_, err = f.engine.Search(ctx, Query{Text: "parser", Filter: store.ListFilter{Type: "gardening"}})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestSearch_DegradesWithoutVectorBackend(t *testing.T) {
	f := newFixture(t, store.VectorNone)
	ctx := context.Background()

	n := f.add(t, 0, store.TypeDebugging, "Debugging the scheduler")

	resp, err := f.engine.Search(ctx, Query{Text: "scheduler", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, MethodKeyword, resp.Method)
	assert.Equal(t, []string{n.ID}, resultIDs(resp))
	assert.Zero(t, resp.Results[0].Score.Vector)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SearchDegraded))

	// semantic-only query on a degraded store is empty, not an error
	resp, err = f.engine.Search(ctx, Query{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.Results)
	assert.Equal(t, MethodNone, resp.Method)
}

func TestSearch_MismatchedEmbeddingFallsBackToKeyword(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	n := f.add(t, 0, store.TypeDebugging, "Debugging the scheduler")
	f.embed(t, n.ID, 1, 0, 0)

	// the query was embedded by a model with another dimension
	resp, err := f.engine.Search(ctx, Query{Text: "scheduler", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, MethodKeyword, resp.Method)
	assert.Equal(t, []string{n.ID}, resultIDs(resp))
	assert.Zero(t, resp.Results[0].Score.Vector)
	assert.Greater(t, resp.Results[0].Score.Text, 0.0)
}

func TestSearch_EmptyResults(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()
	f.add(t, 0, store.TypeCoding, "something")

	for _, q := range []Query{{}, {Text: "   "}, {Text: "zzzyzzy"}, {Text: "something", Offset: 5}} {
		resp, err := f.engine.Search(ctx, q)
		require.NoError(t, err)
		assert.NotNil(t, resp.Results)
		assert.Empty(t, resp.Results)
		assert.Equal(t, store.DefaultListLimit, resp.Limit)
	}
}

func TestSearch_VectorOnlyAndPagination(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	vecs := [][]float32{{1, 0}, {0.8, 0.2}, {0.5, 0.5}}
	for i, v := range vecs {
		n := f.add(t, i, store.TypeCoding, "n")
		f.embed(t, n.ID, v...)
	}

	resp, err := f.engine.Search(ctx, Query{Embedding: []float32{1, 0}, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, MethodVector, resp.Method)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, []string{nodeID(1)}, resultIDs(resp))
	assert.Empty(t, resp.Results[0].Highlights)
}

func TestSearch_FieldsAndEscaping(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	n := f.add(t, 0, store.TypeDebugging, `Fixed <img src=x onerror=alert(1)> in the panel`, func(n *store.Node) {
		n.Content.Lessons = []store.Lesson{{Confidence: store.ConfidenceHigh, Summary: "Sanitize the panel input"}}
	})

	resp, err := f.engine.Search(ctx, Query{Text: "panel"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	hl := resp.Results[0].Highlights
	require.Len(t, hl, 2)
	assert.Equal(t, store.FieldSummary, hl[0].Field)
	assert.NotContains(t, hl[0].Snippet, "<img")
	assert.Contains(t, hl[0].Snippet, "&lt;img")
	assert.Equal(t, store.FieldLessons, hl[1].Field)

	resp, err = f.engine.Search(ctx, Query{Text: "panel", Fields: []string{store.FieldLessons}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, n.ID, resp.Results[0].Node.ID)
	require.Len(t, resp.Results[0].Highlights, 1)
	assert.Equal(t, store.FieldLessons, resp.Results[0].Highlights[0].Field)

	_, err = f.engine.Search(ctx, Query{Text: "panel", Fields: []string{"body"}})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestSearch_RelationCacheFollowsWrites(t *testing.T) {
	f := newFixture(t, store.VectorHNSW)
	ctx := context.Background()

	a := f.add(t, 0, store.TypeCoding, "alpha")
	b := f.add(t, 1, store.TypeCoding, "beta")

	resp, err := f.engine.Search(ctx, Query{Text: "alpha"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Zero(t, resp.Results[0].Score.Relation)

	_, err = f.store.CreateEdge(ctx, b.ID, a.ID, store.EdgeReference, store.EdgeOptions{})
	require.NoError(t, err)

	resp, err = f.engine.Search(ctx, Query{Text: "alpha"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, rank.RelationScore(1, DefaultRelationK), resp.Results[0].Score.Relation, 1e-9)
}

func TestNewEngine_RejectsBadWeights(t *testing.T) {
	_, err := NewEngine(nil, Options{Weights: rank.Weights{Text: -1, Vector: 1}})
	assert.ErrorIs(t, err, rank.ErrInvalidWeights)
}
