package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows ListNodes and search results. Zero fields do not
// filter. Tags and Topics use AND semantics: a node must carry all of them.
type ListFilter struct {
	Project  string    `json:"project,omitempty"`
	Type     NodeType  `json:"type,omitempty"`
	Outcome  Outcome   `json:"outcome,omitempty"`
	Computer string    `json:"computer,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Topics   []string  `json:"topics,omitempty"`
}

var validTypes = map[NodeType]bool{
	TypeCoding: true, TypeDebugging: true, TypeResearch: true, TypePlanning: true,
	TypeRefactor: true, TypeSysadmin: true, TypeDocumentation: true, TypeConfiguration: true,
	TypeQA: true, TypeBrainstorm: true, TypeHandoff: true, TypeOther: true, TypeData: true,
}

var validOutcomes = map[Outcome]bool{
	OutcomeSuccess: true, OutcomePartial: true, OutcomeFailed: true, OutcomeAbandoned: true,
}

var validEdgeTypes = map[EdgeType]bool{
	EdgeContinuation: true, EdgeFork: true, EdgeBranch: true, EdgeHandoff: true,
	EdgeTreeJump: true, EdgeResume: true, EdgeCompaction: true, EdgeReference: true,
	EdgeLessonApplication: true, EdgeFailurePattern: true, EdgeProjectRelated: true,
	EdgeTechniqueShared: true, EdgeSemantic: true,
}

// an empty CreatedBy defaults to CreatedByUser
var validCreatedBy = map[CreatedBy]bool{
	"": true, CreatedByBoundary: true, CreatedByDaemon: true, CreatedByUser: true,
}

func validateEdge(typ EdgeType, opts EdgeOptions) error {
	if !validEdgeTypes[typ] {
		return fmt.Errorf("edge type %q: %w", typ, ErrInvalidInput)
	}
	if !validCreatedBy[opts.CreatedBy] {
		return fmt.Errorf("edge created by %q: %w", opts.CreatedBy, ErrInvalidInput)
	}
	return nil
}

// DecodeListFilter parses a JSON filter, rejecting unknown keys.
func DecodeListFilter(data []byte) (ListFilter, error) {
	var f ListFilter
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return ListFilter{}, fmt.Errorf("decode filter: %v: %w", err, ErrInvalidInput)
	}
	if err := f.Validate(); err != nil {
		return ListFilter{}, err
	}
	return f, nil
}

// Validate checks enumerated fields and the date range.
func (f ListFilter) Validate() error {
	if f.Type != "" && !validTypes[f.Type] {
		return fmt.Errorf("filter type %q: %w", f.Type, ErrInvalidInput)
	}
	if f.Outcome != "" && !validOutcomes[f.Outcome] {
		return fmt.Errorf("filter outcome %q: %w", f.Outcome, ErrInvalidInput)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("filter range ends before it starts: %w", ErrInvalidInput)
	}
	return nil
}

// IsZero reports whether the filter matches everything.
func (f ListFilter) IsZero() bool {
	return f.Project == "" && f.Type == "" && f.Outcome == "" && f.Computer == "" &&
		f.From.IsZero() && f.To.IsZero() && len(f.Tags) == 0 && len(f.Topics) == 0
}

// Match applies the filter to an already loaded node. Date bounds are
// inclusive.
func (f ListFilter) Match(n *Node) bool {
	if f.Project != "" && n.Classification.Project != f.Project {
		return false
	}
	if f.Type != "" && n.Classification.Type != f.Type {
		return false
	}
	if f.Outcome != "" && n.Classification.Outcome != f.Outcome {
		return false
	}
	if f.Computer != "" && n.Metadata.Computer != f.Computer {
		return false
	}
	ts := n.Metadata.Timestamp
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return containsAll(n.Semantic.Tags, f.Tags) && containsAll(n.Semantic.Topics, f.Topics)
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// ListOptions controls ordering and pagination.
type ListOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Sort   string `json:"sort,omitempty"`  // timestamp, updated, project, type
	Order  string `json:"order,omitempty"` // asc, desc
}

var sortColumns = map[string]string{
	"":          "timestamp",
	"timestamp": "timestamp",
	"updated":   "updated_at",
	"project":   "project",
	"type":      "type",
}

// ListResult is one page of nodes plus the unpaginated total.
type ListResult struct {
	Nodes  []*Node `json:"nodes"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListNodes returns live nodes matching filter.
func (s *Store) ListNodes(ctx context.Context, filter ListFilter, opts ListOptions) (*ListResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	col, ok := sortColumns[opts.Sort]
	if !ok {
		return nil, fmt.Errorf("sort %q: %w", opts.Sort, ErrInvalidInput)
	}
	order := "DESC"
	switch strings.ToLower(opts.Order) {
	case "", "desc":
	case "asc":
		order = "ASC"
	default:
		return nil, fmt.Errorf("order %q: %w", opts.Order, ErrInvalidInput)
	}
	limit, offset := NormalizePage(opts.Limit, opts.Offset)

	where, args := filterSQL(filter)

	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &ListResult{Nodes: []*Node{}, Limit: limit, Offset: offset}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`+where, args...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT data, version FROM nodes`+where+`
		ORDER BY `+col+` `+order+`, id ASC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		n, err := decodeNode(data, version)
		if err != nil {
			return nil, err
		}
		res.Nodes = append(res.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func filterSQL(f ListFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}
	if f.Project != "" {
		add(`project = ?`, f.Project)
	}
	if f.Type != "" {
		add(`type = ?`, string(f.Type))
	}
	if f.Outcome != "" {
		add(`outcome = ?`, string(f.Outcome))
	}
	if f.Computer != "" {
		add(`computer = ?`, f.Computer)
	}
	if !f.From.IsZero() {
		add(`timestamp >= ?`, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		add(`timestamp <= ?`, f.To.UnixMilli())
	}
	if tags := uniqueStrings(f.Tags); len(tags) > 0 {
		add(`id IN (SELECT node_id FROM node_tags WHERE tag IN (`+placeholders(len(tags))+`)
			GROUP BY node_id HAVING COUNT(DISTINCT tag) = ?)`, append(toArgs(tags), len(tags))...)
	}
	if topics := uniqueStrings(f.Topics); len(topics) > 0 {
		add(`id IN (SELECT node_id FROM node_topics WHERE topic IN (`+placeholders(len(topics))+`)
			GROUP BY node_id HAVING COUNT(DISTINCT topic) = ?)`, append(toArgs(topics), len(topics))...)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// AllTags lists tags by descending use.
func (s *Store) AllTags(ctx context.Context) ([]TermCount, error) {
	return s.termCounts(ctx, `SELECT tag, COUNT(*) AS c FROM node_tags GROUP BY tag ORDER BY c DESC, tag`)
}

func (s *Store) AllTopics(ctx context.Context) ([]TermCount, error) {
	return s.termCounts(ctx, `SELECT topic, COUNT(*) AS c FROM node_topics GROUP BY topic ORDER BY c DESC, topic`)
}

func (s *Store) AllProjects(ctx context.Context) ([]TermCount, error) {
	return s.termCounts(ctx, `SELECT project, COUNT(*) AS c FROM nodes WHERE project != '' GROUP BY project ORDER BY c DESC, project`)
}

func (s *Store) termCounts(ctx context.Context, query string) ([]TermCount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TermCount{}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Value, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
