package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var english = stopwords.MustGet("en")

func writeTextIndex(ctx context.Context, tx *sql.Tx, n *Node) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, n.ID); err != nil {
		return fmt.Errorf("text index: %w", err)
	}
	f := TextFields(n)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags, topics)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, f[0].Text, f[1].Text, f[2].Text, f[3].Text, f[4].Text)
	if err != nil {
		return fmt.Errorf("text index: %w", err)
	}
	return nil
}

// QueryTerms splits a free-text query into search terms. Stopwords are
// dropped unless that would leave nothing.
func QueryTerms(query string) []string {
	raw := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"'
	})

	var terms, all []string
	seen := make(map[string]bool)
	for _, t := range raw {
		t = strings.TrimFunc(t, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if t == "" {
			continue
		}
		lower := strings.ToLower(t)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		all = append(all, t)
		if !english.Contains(lower) {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return all
	}
	return terms
}

// BuildFTSQuery turns free text into an FTS5 MATCH expression. Every term
// is quoted so operators and punctuation inside it are literal, and gets a
// prefix wildcard; terms are OR-ed. Returns "" when nothing is searchable.
func BuildFTSQuery(query string) string {
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(parts, " OR ")
}

// TextHit is one text-index match. Score is the negated bm25 rank, so
// larger is better.
type TextHit struct {
	NodeID string
	Score  float64
}

// SearchFields lists the text-index columns in order.
var SearchFields = []string{FieldSummary, FieldDecisions, FieldLessons, FieldTags, FieldTopics}

// ValidFields rejects unknown field names and returns the set in column
// order, or every field when none are given.
func ValidFields(fields []string) ([]string, error) {
	if len(fields) == 0 {
		return append([]string(nil), SearchFields...), nil
	}
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		known := false
		for _, c := range SearchFields {
			if f == c {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("search field %q: %w", f, ErrInvalidInput)
		}
		want[f] = true
	}
	out := make([]string, 0, len(want))
	for _, c := range SearchFields {
		if want[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// SearchText runs query against the text index, best first. fields
// restricts matching to those columns.
func (s *Store) SearchText(ctx context.Context, query string, limit int, fields ...string) ([]TextHit, error) {
	cols, err := ValidFields(fields)
	if err != nil {
		return nil, err
	}
	match := BuildFTSQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	if len(cols) < len(SearchFields) {
		match = "{" + strings.Join(cols, " ") + "} : (" + match + ")"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, bm25(nodes_fts) AS rank
		FROM nodes_fts
		WHERE nodes_fts MATCH ?
		ORDER BY rank, node_id
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	var out []TextHit
	for rows.Next() {
		var h TextHit
		var rank float64
		if err := rows.Scan(&h.NodeID, &rank); err != nil {
			return nil, err
		}
		h.Score = -rank
		out = append(out, h)
	}
	return out, rows.Err()
}

// RebuildTextIndex regenerates the text index from the live rows.
func (s *Store) RebuildTextIndex(ctx context.Context) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var count int
	err := s.writeLocked(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT data, version FROM nodes ORDER BY id`)
		if err != nil {
			return err
		}
		var nodes []*Node
		for rows.Next() {
			var data string
			var version int
			if err := rows.Scan(&data, &version); err != nil {
				rows.Close()
				return err
			}
			n, err := decodeNode(data, version)
			if err != nil {
				rows.Close()
				return err
			}
			nodes = append(nodes, n)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes_fts`); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := writeTextIndex(ctx, tx, n); err != nil {
				return err
			}
		}
		count = len(nodes)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild text index: %w", err)
	}
	s.log.WithField("nodes", count).Info("text index rebuilt")
	return count, nil
}
