package store

import (
	"context"
	"path"
	"sync"
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/sessiongraph/pkg/ident"
)

func TestUpsertNode_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id := ident.DeterministicID("sessions/2026-03-05.jsonl", "entry-10", "entry-42")
	n := testNode(id, TypeCoding, "/work/p", "Implemented the parser")

	first, err := s.UpsertNode(ctx, n)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.Node.Version)

	// re-ingesting after a crash yields the same ID
	again := testNode(ident.DeterministicID("sessions/2026-03-05.jsonl", "entry-10", "entry-42"),
		TypeCoding, "/work/p", "Implemented the parser")
	second, err := s.UpsertNode(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, 2, second.Node.Version)

	count, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertNode_ConcurrentSameID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	id := ident.DeterministicID("sessions/2026-03-05.jsonl", "entry-1", "entry-9")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.UpsertNode(ctx, testNode(id, TypeCoding, "/work/p", "Implemented the parser"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, created)

	live, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, writers, live.Version)

	versions, err := s.NodeVersions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, versions, writers)

	count, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateNode_Errors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := testNode(segmentID(0), TypeCoding, "p", "first")
	mustCreate(t, s, n)

	_, err := s.CreateNode(ctx, n)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.CreateNode(ctx, testNode("not-an-id", TypeCoding, "p", "x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateNode(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.UpdateNode(ctx, testNode(segmentID(1), TypeCoding, "p", "x"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetNode(ctx, segmentID(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateNode_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := testNode(segmentID(0), TypeDebugging, "p", "Fixed the flaky login test")
	n.Content.Decisions = []Decision{{What: "Retry on timeout", Why: "CI is slow"}}
	n.Content.Lessons = []Lesson{
		{Confidence: ConfidenceHigh, Summary: "Mock the clock"},
		{Confidence: ConfidenceLow, Summary: "Maybe pin the browser"},
	}
	n.Semantic.Tags = []string{"testing", "ci", "testing"}
	mustCreate(t, s, n)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, TypeDebugging, got.Classification.Type)
	assert.Equal(t, []string{"ci", "testing"}, got.Semantic.Tags)
	assert.Equal(t, []string{}, got.Semantic.Topics)
	assert.Equal(t, n.Content.Decisions, got.Content.Decisions)
	assert.Len(t, got.Content.LessonsByConfidence()[ConfidenceHigh], 1)
	assert.True(t, got.Metadata.Timestamp.Equal(testClock))

	// the caller's node is not mutated
	assert.Equal(t, 0, n.Version)
}

func TestUpdateNode_VersionHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := testNode(segmentID(0), TypeCoding, "p", "v1 summary")
	mustCreate(t, s, n)

	const updates = 3
	for i := 0; i < updates; i++ {
		n.Content.Summary = "updated summary"
		_, err := s.UpdateNode(ctx, n)
		require.NoError(t, err)
	}

	live, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, updates+1, live.Version)

	versions, err := s.NodeVersions(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, versions, updates+1)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}

	old, err := s.GetNodeFromHistory(ctx, n.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1 summary", old.Content.Summary)
	assert.Equal(t, 1, old.Version)

	_, err = s.GetNodeVersion(ctx, n.ID, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	cur, err := s.GetNodeVersion(ctx, n.ID, updates+1)
	require.NoError(t, err)
	assert.Equal(t, "updated summary", cur.Content.Summary)

	byRef, err := s.GetNodeByRef(ctx, ident.NodeRef(n.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, "v1 summary", byRef.Content.Summary)

	_, err = s.GetNodeByRef(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.GetNodeFromHistory(ctx, n.ID, updates+2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory_FileLayout(t *testing.T) {
	s, fs := newTestStore(t)
	n := mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "x"))

	p := path.Join("history", "2026", "03", n.ID+"-v1.json")
	_, err := hackpadfs.Stat(fs, p)
	assert.NoError(t, err)
}

func TestHistory_IgnoresVersionsNewerThanLiveRow(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	n := mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "x"))

	// left behind by a write whose commit never happened
	orphan := path.Join("history", "2026", "03", n.ID+"-v2.json")
	require.NoError(t, hackpadfs.WriteFullFile(fs, orphan, []byte(`{"node":{"id":"`+n.ID+`"}}`), 0o644))

	versions, err := s.NodeVersions(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)

	// the retried write overwrites the orphan
	updated, err := s.UpdateNode(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	versions, err = s.NodeVersions(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestDeleteNode_Cascades(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	a := testNode(segmentID(0), TypeDebugging, "p", "Debugging the cache layer")
	a.Content.Decisions = []Decision{{What: "Drop the cache", Why: "stale reads"}}
	a.Content.Lessons = []Lesson{{Confidence: ConfidenceMedium, Summary: "Measure first"}}
	a.Content.ModelQuirks = []ModelQuirk{{Model: "m", Observation: "ignores tabs"}}
	a.Content.ToolErrors = []ToolError{{Tool: "bash", Message: "exit 1"}}
	a.Semantic.Tags = []string{"cache"}
	a.Semantic.Topics = []string{"performance"}
	mustCreate(t, s, a)
	b := mustCreate(t, s, testNode(segmentID(1), TypeCoding, "p", "other"))

	mustEdge(t, s, a.ID, b.ID, EdgeContinuation)
	mustEdge(t, s, b.ID, a.ID, EdgeReference)
	_, err := s.CreateUnresolvedEdge(ctx, a.ID, EdgeLessonApplication, "an earlier caching session", EdgeOptions{})
	require.NoError(t, err)
	require.NoError(t, s.UpsertEmbedding(ctx, Embedding{NodeID: a.ID, Vector: []float32{1, 0}, ModelName: "m"}))

	require.NoError(t, s.DeleteNode(ctx, a.ID))

	for _, table := range []string{"decisions", "lessons", "model_quirks", "tool_errors", "node_tags", "node_topics", "node_embeddings"} {
		assert.Zero(t, countRows(t, s, `SELECT COUNT(*) FROM `+table+` WHERE node_id = ?`, a.ID), table)
	}
	assert.Zero(t, countRows(t, s, `SELECT COUNT(*) FROM edges`))
	assert.Zero(t, countRows(t, s, `SELECT COUNT(*) FROM nodes_fts WHERE node_id = ?`, a.ID))

	_, err = s.GetEmbedding(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := s.VectorSearch(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = hackpadfs.Stat(fs, path.Join("history", "2026", "03", a.ID+"-v1.json"))
	assert.ErrorIs(t, err, hackpadfs.ErrNotExist)

	assert.ErrorIs(t, s.DeleteNode(ctx, a.ID), ErrNotFound)

	exists, err := s.NodeExists(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetNodes_PreservesOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, s, testNode(segmentID(i), TypeCoding, "p", "n"))
	}

	got, err := s.GetNodes(ctx, []string{segmentID(2), "missing", segmentID(0), segmentID(2)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, segmentID(2), got[0].ID)
	assert.Equal(t, segmentID(0), got[1].ID)
}

func TestRebuild_FromHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "alpha"))
	a.Content.Summary = "alpha revised"
	_, err := s.UpdateNode(ctx, a)
	require.NoError(t, err)
	b := mustCreate(t, s, testNode(segmentID(1), TypeDebugging, "p", "beta"))
	mustEdge(t, s, a.ID, b.ID, EdgeContinuation)

	res, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Nodes)
	assert.Equal(t, 1, res.Edges)

	got, err := s.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "alpha revised", got.Content.Summary)

	require.NoError(t, s.ClearAllData(ctx))
	count, err := s.CountNodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	res, err = s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Nodes)
	assert.Zero(t, res.Edges)

	hits, err := s.SearchText(ctx, "revised", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].NodeID)
}

func TestRebuild_ConcurrentWritersKeepLatestVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n := mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "v1"))

	const updates = 20
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			_, err := s.UpdateNode(ctx, n)
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 5; i++ {
		_, err := s.Rebuild(ctx)
		require.NoError(t, err)
	}
	wg.Wait()

	// a version written mid-rebuild must not be rolled back
	live, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, updates+1, live.Version)

	versions, err := s.NodeVersions(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, versions, updates+1)
}

func TestMigrations_RecordSkippedCapability(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	recs, err := s.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, MigrationApplied, recs[0].Status)
	assert.Equal(t, MigrationApplied, recs[1].Status)

	// no dimension configured, so the vec index cannot be created
	assert.Equal(t, MigrationSkipped, recs[2].Status)
	assert.NotEmpty(t, recs[2].Reason)

	// re-running is harmless
	again, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs, again)
}

func TestGeneration_AdvancesOnWrite(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.Generation()
	mustCreate(t, s, testNode(segmentID(0), TypeCoding, "p", "x"))
	assert.Greater(t, s.Generation(), before)
}
