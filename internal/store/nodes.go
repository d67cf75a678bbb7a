package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kittclouds/sessiongraph/pkg/ident"
)

// UpsertResult reports which branch UpsertNode took.
type UpsertResult struct {
	Node    *Node `json:"node"`
	Created bool  `json:"created"`
}

// CreateNode stores n as version 1. It fails with ErrAlreadyExists if the ID
// is taken.
func (s *Store) CreateNode(ctx context.Context, n *Node) (*Node, error) {
	node, err := s.prepare(n)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	version, _, err := s.liveVersion(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if version > 0 {
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrAlreadyExists)
	}
	if err := s.writeVersion(ctx, node, 1, 0); err != nil {
		return nil, err
	}
	s.metrics.NodeWrite("create")
	return node, nil
}

// UpdateNode writes n as the next version of an existing node. The previous
// version stays readable through the version history.
func (s *Store) UpdateNode(ctx context.Context, n *Node) (*Node, error) {
	node, err := s.prepare(n)
	if err != nil {
		return nil, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	version, createdAt, err := s.liveVersion(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}
	if err := s.writeVersion(ctx, node, version+1, createdAt); err != nil {
		return nil, err
	}
	s.metrics.NodeWrite("update")
	return node, nil
}

// UpsertNode creates the node if its ID is new and updates it otherwise.
// Existence check and write happen under one lock, so concurrent upserts of
// the same deterministic ID cannot both create.
func (s *Store) UpsertNode(ctx context.Context, n *Node) (UpsertResult, error) {
	node, err := s.prepare(n)
	if err != nil {
		return UpsertResult{}, err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	version, createdAt, err := s.liveVersion(ctx, node.ID)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := s.writeVersion(ctx, node, version+1, createdAt); err != nil {
		return UpsertResult{}, err
	}

	created := version == 0
	if created {
		s.metrics.NodeWrite("create")
	} else {
		s.metrics.NodeWrite("update")
	}
	return UpsertResult{Node: node, Created: created}, nil
}

// prepare validates n and returns a normalised copy.
func (s *Store) prepare(n *Node) (*Node, error) {
	if n == nil {
		return nil, fmt.Errorf("nil node: %w", ErrInvalidInput)
	}
	if !ident.IsValidID(n.ID) {
		return nil, fmt.Errorf("node id %q: %w", n.ID, ErrInvalidInput)
	}
	cp := *n
	cp.normalize()
	if cp.Metadata.Timestamp.IsZero() {
		cp.Metadata.Timestamp = s.now().UTC()
	}
	return &cp, nil
}

// liveVersion returns the current version and creation time, or 0.
func (s *Store) liveVersion(ctx context.Context, id string) (int, int64, error) {
	var version int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT version, created_at FROM nodes WHERE id = ?`, id).
		Scan(&version, &createdAt)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read node %s: %w", id, err)
	}
	return version, createdAt, nil
}

// writeVersion persists node as version. The version file is written inside
// the row transaction and removed again if the commit fails, so the live row
// and its history entry land together. Caller holds wmu.
func (s *Store) writeVersion(ctx context.Context, node *Node, version int, createdAt int64) error {
	now := s.now().UTC()
	node.Version = version
	if createdAt == 0 {
		createdAt = now.UnixMilli()
	}

	log := s.log.WithFields(logrus.Fields{"node_id": node.ID, "version": version})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := writeNodeRows(ctx, tx, node, createdAt, now.UnixMilli()); err != nil {
		tx.Rollback()
		return fmt.Errorf("write node %s: %w", node.ID, err)
	}

	path, err := s.writeHistory(node, fromMillis(createdAt), now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("write history %s: %w", ident.NodeRef(node.ID, version), err)
	}

	if err := tx.Commit(); err != nil {
		s.removeHistoryFile(path, log)
		return fmt.Errorf("commit node %s: %w", node.ID, err)
	}
	s.bump()
	log.Debug("node written")
	return nil
}

func writeNodeRows(ctx context.Context, tx *sql.Tx, n *Node, createdAt, updatedAt int64) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, version, type, project, outcome, computer, summary,
			timestamp, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version, type = excluded.type, project = excluded.project,
			outcome = excluded.outcome, computer = excluded.computer, summary = excluded.summary,
			timestamp = excluded.timestamp, data = excluded.data, updated_at = excluded.updated_at
	`, n.ID, n.Version, string(n.Classification.Type), n.Classification.Project,
		string(n.Classification.Outcome), n.Metadata.Computer, n.Content.Summary,
		millis(n.Metadata.Timestamp), string(data), createdAt, updatedAt)
	if err != nil {
		return err
	}

	for _, table := range []string{"decisions", "lessons", "model_quirks", "tool_errors", "node_tags", "node_topics"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE node_id = ?`, n.ID); err != nil {
			return err
		}
	}

	for _, d := range n.Content.Decisions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO decisions (node_id, what, why) VALUES (?, ?, ?)`,
			n.ID, d.What, d.Why); err != nil {
			return err
		}
	}
	for _, l := range n.Content.Lessons {
		if _, err := tx.ExecContext(ctx, `INSERT INTO lessons (node_id, confidence, summary, details) VALUES (?, ?, ?, ?)`,
			n.ID, string(l.Confidence), l.Summary, l.Details); err != nil {
			return err
		}
	}
	for _, q := range n.Content.ModelQuirks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO model_quirks (node_id, model, observation, workaround) VALUES (?, ?, ?, ?)`,
			n.ID, q.Model, q.Observation, q.Workaround); err != nil {
			return err
		}
	}
	for _, e := range n.Content.ToolErrors {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tool_errors (node_id, tool, message, resolution) VALUES (?, ?, ?, ?)`,
			n.ID, e.Tool, e.Message, e.Resolution); err != nil {
			return err
		}
	}
	for _, tag := range n.Semantic.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO node_tags (node_id, tag) VALUES (?, ?)`, n.ID, tag); err != nil {
			return err
		}
	}
	for _, topic := range n.Semantic.Topics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO node_topics (node_id, topic) VALUES (?, ?)`, n.ID, topic); err != nil {
			return err
		}
	}

	return writeTextIndex(ctx, tx, n)
}

// GetNode returns the live row for id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	var data string
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM nodes WHERE id = ?`, id).Scan(&data, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode(data, version)
}

// GetNodeVersion returns the live row only when version is the current one.
// Older versions are served by GetNodeFromHistory.
func (s *Store) GetNodeVersion(ctx context.Context, id string, version int) (*Node, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Version != version {
		return nil, fmt.Errorf("node %s: %w", ident.NodeRef(id, version), ErrNotFound)
	}
	return n, nil
}

// GetNodeByRef resolves an "id@version" reference against the live row and
// then the version history.
func (s *Store) GetNodeByRef(ctx context.Context, ref string) (*Node, error) {
	id, version, err := ident.ParseNodeRef(ref)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	n, err := s.GetNodeVersion(ctx, id, version)
	if err == nil {
		return n, nil
	}
	return s.GetNodeFromHistory(ctx, id, version)
}

func decodeNode(data string, version int) (*Node, error) {
	var n Node
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	n.Version = version
	n.normalize()
	return &n, nil
}

// GetNodes returns the live rows for ids in input order. Missing IDs are
// skipped.
func (s *Store) GetNodes(ctx context.Context, ids []string) ([]*Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	byID := make(map[string]*Node, len(ids))
	for _, chunk := range chunks(uniqueStrings(ids), 500) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT data, version FROM nodes WHERE id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("get nodes: %w", err)
		}
		for rows.Next() {
			var data string
			var version int
			if err := rows.Scan(&data, &version); err != nil {
				rows.Close()
				return nil, err
			}
			n, err := decodeNode(data, version)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byID[n.ID] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := make([]*Node, 0, len(byID))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// NodeExists reports whether a live row exists for id.
func (s *Store) NodeExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountNodes returns the number of live nodes.
func (s *Store) CountNodes(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&count)
	return count, err
}

// DeleteNode removes the live row. Edges, child records, the text-index
// entry and the embedding go with it via cascade. The node's version files
// are removed afterwards so Rebuild does not resurrect it.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var deleted int64
	err := s.writeLocked(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if deleted == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	s.removeFromHNSW(id)
	log := s.log.WithField("node_id", id)
	if err := s.removeHistory(id); err != nil {
		log.WithError(err).Warn("failed to remove version history")
	}
	s.metrics.NodeWrite("delete")
	log.Debug("node deleted")
	return nil
}

// TextField is one searchable projection of a node.
type TextField struct {
	Name string
	Text string
}

// Searchable field names, matching the text-index columns.
const (
	FieldSummary   = "summary"
	FieldDecisions = "decisions"
	FieldLessons   = "lessons"
	FieldTags      = "tags"
	FieldTopics    = "topics"
)

// TextFields returns the text indexed for n, in column order.
func TextFields(n *Node) []TextField {
	decisions := make([]string, 0, len(n.Content.Decisions))
	for _, d := range n.Content.Decisions {
		if d.Why != "" {
			decisions = append(decisions, d.What+": "+d.Why)
		} else {
			decisions = append(decisions, d.What)
		}
	}
	lessons := make([]string, 0, len(n.Content.Lessons))
	for _, l := range n.Content.Lessons {
		if l.Details != "" {
			lessons = append(lessons, l.Summary+": "+l.Details)
		} else {
			lessons = append(lessons, l.Summary)
		}
	}
	return []TextField{
		{Name: FieldSummary, Text: n.Content.Summary},
		{Name: FieldDecisions, Text: strings.Join(decisions, "\n")},
		{Name: FieldLessons, Text: strings.Join(lessons, "\n")},
		{Name: FieldTags, Text: strings.Join(n.Semantic.Tags, " ")},
		{Name: FieldTopics, Text: strings.Join(n.Semantic.Topics, " ")},
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func chunks(ss []string, size int) [][]string {
	var out [][]string
	for len(ss) > size {
		out = append(out, ss[:size])
		ss = ss[size:]
	}
	if len(ss) > 0 {
		out = append(out, ss)
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
