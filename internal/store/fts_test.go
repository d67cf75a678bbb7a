package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFTSQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"debug", `"debug"*`},
		{"the cache", `"cache"*`},
		{"the", `"the"*`},
		{"foo-bar baz", `"foo-bar"* OR "baz"*`},
		{`parser "retry" NEAR(x)`, `"parser"* OR "retry"* OR "NEAR(x"*`},
		{"Cache cache", `"Cache"*`},
		{"  ", ""},
		{"!!! ---", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BuildFTSQuery(tc.in), tc.in)
	}
}

func TestSearchText(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := testNode(segmentID(0), TypeCoding, "p", "Wrote the session importer")
	a.Content.Decisions = []Decision{{What: "Use streaming JSON", Why: "files are large"}}
	mustCreate(t, s, a)
	b := mustCreate(t, s, testNode(segmentID(1), TypeDebugging, "p", "Debugging a crash in the importer"))
	c := testNode(segmentID(2), TypeResearch, "p", "Read about vector stores")
	c.Semantic.Tags = []string{"sqlite-vec"}
	mustCreate(t, s, c)

	hits, err := s.SearchText(ctx, "debug", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].NodeID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = s.SearchText(ctx, "importer", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// decisions are indexed
	hits, err = s.SearchText(ctx, "streaming", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].NodeID)

	// hyphens are literal, not the NOT operator
	hits, err = s.SearchText(ctx, "sqlite-vec", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, c.ID, hits[0].NodeID)

	hits, err = s.SearchText(ctx, "nonexistentterm", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchText(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchText_FollowsUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "original wording"))
	n.Content.Summary = "replacement phrasing"
	_, err := s.UpdateNode(ctx, n)
	require.NoError(t, err)

	hits, err := s.SearchText(ctx, "original", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchText(ctx, "phrasing", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM nodes_fts WHERE node_id = ?`, n.ID))

	_, err = s.db.Exec(`DELETE FROM nodes_fts`)
	require.NoError(t, err)
	count, err := s.RebuildTextIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err = s.SearchText(ctx, "phrasing", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchText_FieldRestriction(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := testNode(segmentID(0), TypeCoding, "p", "Tuned the cache")
	mustCreate(t, s, a)
	b := testNode(segmentID(1), TypeCoding, "p", "Unrelated work")
	b.Semantic.Tags = []string{"cache"}
	mustCreate(t, s, b)

	hits, err := s.SearchText(ctx, "cache", 10, FieldTags)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, b.ID, hits[0].NodeID)

	hits, err = s.SearchText(ctx, "cache", 10, FieldSummary, FieldTags)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = s.SearchText(ctx, "cache", 10, "body")
	assert.ErrorIs(t, err, ErrInvalidInput)

	cols, err := ValidFields([]string{FieldTopics, FieldSummary, FieldTopics})
	require.NoError(t, err)
	assert.Equal(t, []string{FieldSummary, FieldTopics}, cols)
}
