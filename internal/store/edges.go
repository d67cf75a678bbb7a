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

const edgeColumns = `id, source_node_id, target_node_id, type, metadata, created_by, created_at`

// CreateEdge links two existing nodes. It does not deduplicate; callers
// wanting idempotent links check EdgeExists first.
func (s *Store) CreateEdge(ctx context.Context, source, target string, typ EdgeType, opts EdgeOptions) (*Edge, error) {
	if source == "" || target == "" || typ == "" {
		return nil, fmt.Errorf("edge %s -> %s (%s): %w", source, target, typ, ErrInvalidInput)
	}
	if err := validateEdge(typ, opts); err != nil {
		return nil, err
	}
	e := s.newEdge(source, target, typ, opts)

	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := requireNodes(ctx, tx, source, target); err != nil {
			return err
		}
		return insertEdge(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.EdgeWrite(string(typ))
	s.log.WithFields(logrus.Fields{"edge_id": e.ID, "edge_type": typ}).Debug("edge created")
	return e, nil
}

// CreateUnresolvedEdge records a relationship whose target is only known by
// description.
func (s *Store) CreateUnresolvedEdge(ctx context.Context, source string, typ EdgeType, description string, opts EdgeOptions) (*Edge, error) {
	if source == "" || typ == "" || strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("unresolved edge from %s: %w", source, ErrInvalidInput)
	}
	if err := validateEdge(typ, opts); err != nil {
		return nil, err
	}
	opts.Metadata.UnresolvedTarget = description
	e := s.newEdge(source, "", typ, opts)

	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := requireNodes(ctx, tx, source); err != nil {
			return err
		}
		return insertEdge(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.EdgeWrite(string(typ))
	return e, nil
}

// ResolveEdge points an unresolved edge at target. The description is kept
// in metadata for provenance.
func (s *Store) ResolveEdge(ctx context.Context, edgeID, target string) (*Edge, error) {
	var out *Edge
	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		e, err := scanEdge(tx.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, edgeID))
		if err == sql.ErrNoRows {
			return fmt.Errorf("edge %s: %w", edgeID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if e.Resolved() {
			return fmt.Errorf("edge %s already resolved: %w", edgeID, ErrInvalidInput)
		}
		if err := requireNodes(ctx, tx, target); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE edges SET target_node_id = ? WHERE id = ?`, target, edgeID); err != nil {
			return err
		}
		e.TargetNodeID = target
		out = e
		return nil
	})
	return out, err
}

func (s *Store) newEdge(source, target string, typ EdgeType, opts EdgeOptions) *Edge {
	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = CreatedByUser
	}
	return &Edge{
		ID:           ident.NewEdgeID(),
		SourceNodeID: source,
		TargetNodeID: target,
		Type:         typ,
		Metadata:     opts.Metadata,
		CreatedBy:    createdBy,
		CreatedAt:    s.now().UTC(),
	}
}

func requireNodes(ctx context.Context, tx *sql.Tx, ids ...string) error {
	for _, id := range ids {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("node %s: %w", id, ErrInvalidReference)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, e *Edge) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	var target any
	if e.TargetNodeID != "" {
		target = e.TargetNodeID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceNodeID, target, string(e.Type), string(meta), string(e.CreatedBy), millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert edge %s: %w", e.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEdge(row rowScanner) (*Edge, error) {
	var e Edge
	var target sql.NullString
	var typ, meta, createdBy string
	var createdAt int64
	if err := row.Scan(&e.ID, &e.SourceNodeID, &target, &typ, &meta, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	e.TargetNodeID = target.String
	e.Type = EdgeType(typ)
	e.CreatedBy = CreatedBy(createdBy)
	e.CreatedAt = fromMillis(createdAt)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode edge %s metadata: %w", e.ID, err)
		}
	}
	return &e, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEdges(ctx context.Context, q queryer, query string, args ...any) ([]*Edge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func allEdgesTx(ctx context.Context, tx *sql.Tx) ([]*Edge, error) {
	return queryEdges(ctx, tx, `SELECT `+edgeColumns+` FROM edges ORDER BY id`)
}

// GetEdge returns one edge by ID.
func (s *Store) GetEdge(ctx context.Context, id string) (*Edge, error) {
	e, err := scanEdge(s.db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	return e, err
}

// EdgesFrom returns edges whose source is id, unresolved ones included.
func (s *Store) EdgesFrom(ctx context.Context, id string) ([]*Edge, error) {
	return queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM edges WHERE source_node_id = ? ORDER BY id`, id)
}

// EdgesTo returns resolved edges whose target is id.
func (s *Store) EdgesTo(ctx context.Context, id string) ([]*Edge, error) {
	return queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM edges WHERE target_node_id = ? ORDER BY id`, id)
}

// EdgesForNode returns every edge touching id.
func (s *Store) EdgesForNode(ctx context.Context, id string) ([]*Edge, error) {
	return queryEdges(ctx, s.db, `
		SELECT `+edgeColumns+` FROM edges
		WHERE source_node_id = ? OR target_node_id = ?
		ORDER BY id
	`, id, id)
}

// UnresolvedEdges lists edges still waiting for a target.
func (s *Store) UnresolvedEdges(ctx context.Context) ([]*Edge, error) {
	return queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM edges WHERE target_node_id IS NULL ORDER BY id`)
}

// EdgeExists reports whether at least one source -> target edge of typ exists.
func (s *Store) EdgeExists(ctx context.Context, source, target string, typ EdgeType) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM edges WHERE source_node_id = ? AND target_node_id = ? AND type = ? LIMIT 1
	`, source, target, string(typ)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteEdge removes one edge. Its endpoints are untouched.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	var n int64
	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountEdges counts every edge, unresolved ones included.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&count)
	return count, err
}

// CountEdgesForNodes returns, per ID, the number of resolved edges touching
// it. IDs without edges are absent from the map.
func (s *Store) CountEdgesForNodes(ctx context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	for _, chunk := range chunks(uniqueStrings(ids), 400) {
		ph := placeholders(len(chunk))
		args := append(toArgs(chunk), toArgs(chunk)...)
		rows, err := s.db.QueryContext(ctx, `
			SELECT node_id, COUNT(*) FROM (
				SELECT source_node_id AS node_id FROM edges
				WHERE source_node_id IN (`+ph+`) AND target_node_id IS NOT NULL
				UNION ALL
				SELECT target_node_id FROM edges
				WHERE target_node_id IN (`+ph+`) AND target_node_id != source_node_id
			) GROUP BY node_id
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("count edges: %w", err)
		}
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BoundaryType describes how a segment relates to the one before it.
type BoundaryType string

const (
	BoundaryNone       BoundaryType = ""
	BoundaryResume     BoundaryType = "resume"
	BoundaryCompaction BoundaryType = "compaction"
	BoundaryTreeJump   BoundaryType = "tree_jump"
	BoundaryHandoff    BoundaryType = "handoff"
)

// LinkContext is the session-boundary information known at ingestion.
type LinkContext struct {
	// PreviousNodeID is the node for the preceding segment of the same session.
	PreviousNodeID string
	Boundary       BoundaryType
	// ForkParentID is set when the session was forked from another session.
	ForkParentID string
	// HandoffSourceID is the node that handed work to this session.
	HandoffSourceID string
}

// LinkToPredecessors derives structural edges for n from ctx. It is
// idempotent: an edge that already exists is not created again. Returns only
// the edges created by this call.
func (s *Store) LinkToPredecessors(ctx context.Context, n *Node, lc LinkContext) ([]*Edge, error) {
	if n == nil || n.ID == "" {
		return nil, fmt.Errorf("link: %w", ErrInvalidInput)
	}

	type link struct {
		source string
		typ    EdgeType
		reason string
	}
	var links []link

	if lc.PreviousNodeID != "" {
		typ := EdgeContinuation
		switch lc.Boundary {
		case BoundaryResume:
			typ = EdgeResume
		case BoundaryCompaction:
			typ = EdgeCompaction
		case BoundaryTreeJump:
			typ = EdgeTreeJump
		case BoundaryHandoff:
			typ = EdgeHandoff
		}
		links = append(links, link{lc.PreviousNodeID, typ, "previous segment"})
	}
	if lc.ForkParentID != "" {
		links = append(links, link{lc.ForkParentID, EdgeFork, "session fork"})
	}
	if lc.HandoffSourceID != "" && lc.HandoffSourceID != lc.PreviousNodeID {
		links = append(links, link{lc.HandoffSourceID, EdgeHandoff, "handoff"})
	}

	var created []*Edge
	for _, l := range links {
		if l.source == n.ID {
			continue
		}
		var e *Edge
		err := s.withWrite(ctx, func(tx *sql.Tx) error {
			var one int
			err := tx.QueryRowContext(ctx, `
				SELECT 1 FROM edges WHERE source_node_id = ? AND target_node_id = ? AND type = ? LIMIT 1
			`, l.source, n.ID, string(l.typ)).Scan(&one)
			if err == nil {
				return nil
			}
			if err != sql.ErrNoRows {
				return err
			}
			if err := requireNodes(ctx, tx, l.source, n.ID); err != nil {
				return err
			}
			e = s.newEdge(l.source, n.ID, l.typ, EdgeOptions{
				CreatedBy: CreatedByBoundary,
				Metadata:  EdgeMetadata{Reason: l.reason},
			})
			return insertEdge(ctx, tx, e)
		})
		if err != nil {
			return created, fmt.Errorf("link %s -> %s: %w", l.source, n.ID, err)
		}
		if e != nil {
			created = append(created, e)
			s.metrics.EdgeWrite(string(e.Type))
		}
	}
	return created, nil
}
