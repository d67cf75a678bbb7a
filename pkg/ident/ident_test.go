package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := GenerateID()
		require.Len(t, id, IDLength)
		assert.True(t, IsValidID(id), "generated id %q should be valid", id)
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestDeterministicID_Stable(t *testing.T) {
	a := DeterministicID("/sessions/2024/a.jsonl", "e1", "e9")
	b := DeterministicID("/sessions/2024/a.jsonl", "e1", "e9")
	assert.Equal(t, a, b)
	assert.True(t, IsValidID(a))

	c := DeterministicID("/sessions/2024/a.jsonl", "e1", "e10")
	assert.NotEqual(t, a, c)
}

func TestDeterministicID_LengthPrefixPreventsCollisions(t *testing.T) {
	cases := [][2][3]string{
		{{"a", "b", "c"}, {"a:b", "c", ""}},
		{{"a:b", "c", ""}, {"a", "b:c", ""}},
		{{"ab", "c", ""}, {"a", "bc", ""}},
		{{"", "", "abc"}, {"abc", "", ""}},
		{{"1:a", "", ""}, {"", "a", ""}},
	}
	for _, tc := range cases {
		x := DeterministicID(tc[0][0], tc[0][1], tc[0][2])
		y := DeterministicID(tc[1][0], tc[1][1], tc[1][2])
		assert.NotEqual(t, x, y, "%v vs %v", tc[0], tc[1])
	}
}

func TestNewEdgeID(t *testing.T) {
	id := NewEdgeID()
	assert.True(t, strings.HasPrefix(id, EdgePrefix))
	assert.NotEqual(t, id, NewEdgeID())
	assert.False(t, IsValidID(id))
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("0123456789abcdef"))
	assert.False(t, IsValidID("0123456789ABCDEF"))
	assert.False(t, IsValidID("0123456789abcde"))
	assert.False(t, IsValidID("0123456789abcdeg"))
	assert.False(t, IsValidID(""))
}

func TestNodeRefRoundTrip(t *testing.T) {
	ref := NodeRef("0123456789abcdef", 3)
	assert.Equal(t, "0123456789abcdef@3", ref)

	id, version, err := ParseNodeRef(ref)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", id)
	assert.Equal(t, 3, version)
}

func TestParseNodeRef_Invalid(t *testing.T) {
	for _, ref := range []string{"", "abc", "@1", "abc@", "abc@x", "abc@0", "abc@-2"} {
		_, _, err := ParseNodeRef(ref)
		assert.ErrorIs(t, err, ErrInvalidRef, "ref %q", ref)
	}
}
