package search

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

const (
	markOpen  = "<mark>"
	markClose = "</mark>"
	ellipsis  = "…"

	minStem = 3
)

// Highlighter locates query terms in field text and renders bounded
// snippets. Matched spans are wrapped in <mark>; everything else is
// HTML-escaped.
type Highlighter struct {
	ac     ahocorasick.AhoCorasick
	ok     bool
	length int
}

// NewHighlighter compiles terms into one automaton. length is the snippet
// budget in bytes of source text.
func NewHighlighter(terms []string, length int) *Highlighter {
	h := &Highlighter{length: length}
	pats := make([]string, 0, len(terms))
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			pats = append(pats, p)
		}
	}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		add(t)
		// the index matches "running" against "runs", so the text is
		// searched for the shared stem as well
		if st := stem(t); len(st) >= minStem {
			add(st)
		}
	}
	if len(pats) == 0 {
		return h
	}
	b := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	h.ac = b.Build(pats)
	h.ok = true
	return h
}

type span struct{ start, end int }

// Snippet returns the highlighted window around the first match in text,
// and false when no term occurs.
func (h *Highlighter) Snippet(text string) (string, bool) {
	if !h.ok || text == "" {
		return "", false
	}
	found := h.ac.FindAll(text)
	if len(found) == 0 {
		return "", false
	}
	spans := make([]span, 0, len(found))
	for _, m := range found {
		if wordStart(text, m.Start()) {
			spans = append(spans, span{m.Start(), m.End()})
		}
	}
	if len(spans) == 0 {
		return "", false
	}

	start, end := h.window(text, spans[0])

	var sb strings.Builder
	if start > 0 {
		sb.WriteString(ellipsis)
	}
	pos := start
	for _, sp := range spans {
		if sp.start < start {
			continue
		}
		if sp.end > end {
			break
		}
		sb.WriteString(html.EscapeString(text[pos:sp.start]))
		sb.WriteString(markOpen)
		sb.WriteString(html.EscapeString(text[sp.start:sp.end]))
		sb.WriteString(markClose)
		pos = sp.end
	}
	sb.WriteString(html.EscapeString(text[pos:end]))
	if end < len(text) {
		sb.WriteString(ellipsis)
	}
	return sb.String(), true
}

// window centres the budget on first, clamped to text and to rune
// boundaries. The first match is always kept whole.
func (h *Highlighter) window(text string, first span) (int, int) {
	if h.length <= 0 || len(text) <= h.length {
		return 0, len(text)
	}
	pad := (h.length - (first.end - first.start)) / 2
	if pad < 0 {
		pad = 0
	}
	start := first.start - pad
	if start < 0 {
		start = 0
	}
	end := start + h.length
	if end < first.end {
		end = first.end
	}
	if end > len(text) {
		end = len(text)
		start = max(0, min(first.start, end-h.length))
	}
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return start, end
}

// wordStart reports whether i begins a word. Index tokens are whole words,
// so a match inside one is not what the index found.
func wordStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// stem strips the common English inflections the index tokenizer folds
// away. The result is a prefix to look for, not necessarily a word.
func stem(w string) string {
	switch {
	case strings.HasSuffix(w, "sses"):
		w = w[:len(w)-2]
	case strings.HasSuffix(w, "ies"):
		w = w[:len(w)-3]
	case strings.HasSuffix(w, "ss"):
	case strings.HasSuffix(w, "s"):
		w = w[:len(w)-1]
	}
	for _, suf := range []string{"ingly", "edly", "ing", "ed", "ly"} {
		r, ok := strings.CutSuffix(w, suf)
		if !ok || !strings.ContainsAny(r, "aeiouy") {
			continue
		}
		w = r
		// running -> runn -> run
		if n := len(w); n >= 2 && w[n-1] == w[n-2] && !strings.ContainsRune("aeioulsz", rune(w[n-1])) {
			w = w[:n-1]
		}
		break
	}
	return w
}
