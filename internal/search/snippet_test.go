package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnippet_MarksMatches(t *testing.T) {
	h := NewHighlighter([]string{"debug", "crash"}, 200)

	got, ok := h.Snippet("Debugging a crash in the importer")
	assert.True(t, ok)
	assert.Equal(t, "<mark>Debug</mark>ging a <mark>crash</mark> in the importer", got)

	_, ok = h.Snippet("nothing relevant")
	assert.False(t, ok)
}

func TestSnippet_EscapesEverythingElse(t *testing.T) {
	h := NewHighlighter([]string{"panel"}, 200)

	got, ok := h.Snippet(`<script>alert("x")</script> broke the panel & more`)
	assert.True(t, ok)
	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "&lt;script&gt;")
	assert.Contains(t, got, "&amp; more")
	assert.Contains(t, got, "<mark>panel</mark>")

	// the marker itself in source text is data, not markup
	got, _ = h.Snippet("<mark>fake</mark> panel")
	assert.True(t, strings.HasPrefix(got, "&lt;mark&gt;fake&lt;/mark&gt;"))
}

func TestSnippet_WindowIsBounded(t *testing.T) {
	h := NewHighlighter([]string{"needle"}, 30)
	text := strings.Repeat("hay ", 50) + "needle" + strings.Repeat(" straw", 50)

	got, ok := h.Snippet(text)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(got, ellipsis))
	assert.True(t, strings.HasSuffix(got, ellipsis))
	assert.Contains(t, got, "<mark>needle</mark>")

	plain := strings.NewReplacer(markOpen, "", markClose, "", ellipsis, "").Replace(got)
	assert.LessOrEqual(t, len(plain), 30)
}

func TestSnippet_RuneBoundaries(t *testing.T) {
	h := NewHighlighter([]string{"cafe"}, 10)
	got, ok := h.Snippet("ééééééééé cafe ééééééééé")
	assert.True(t, ok)
	trimmed := strings.NewReplacer(ellipsis, "").Replace(got)
	assert.True(t, strings.ToValidUTF8(trimmed, "?") == trimmed)
}

func TestSnippet_NoTerms(t *testing.T) {
	h := NewHighlighter([]string{" ", ""}, 50)
	_, ok := h.Snippet("anything")
	assert.False(t, ok)
}

func TestSnippet_MarksStemmedForms(t *testing.T) {
	h := NewHighlighter([]string{"running", "debugging"}, 200)

	got, ok := h.Snippet("we debug the runs of the parser")
	assert.True(t, ok)
	assert.Equal(t, "we <mark>debug</mark> the <mark>run</mark>s of the parser", got)

	// a stem inside another word is not a match
	_, ok = h.Snippet("we prune the tree")
	assert.False(t, ok)
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"running":   "run",
		"debugging": "debug",
		"runs":      "run",
		"studies":   "stud",
		"classes":   "class",
		"fixed":     "fix",
		"quickly":   "quick",
		"crash":     "crash",
		"falling":   "fall",
	}
	for in, want := range cases {
		assert.Equal(t, want, stem(in), in)
	}
}
