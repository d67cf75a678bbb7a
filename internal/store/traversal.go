package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kittclouds/sessiongraph/pkg/graph"
)

// EdgesAround implements graph.Adjacency over the edges table. Unresolved
// edges are never returned.
func (s *Store) EdgesAround(ctx context.Context, ids []string, dir graph.Direction, types []string) ([]graph.Edge, error) {
	var out []graph.Edge
	seen := make(map[string]bool)

	var typeClause string
	var typeArgs []any
	if len(types) > 0 {
		typeClause = ` AND type IN (` + placeholders(len(types)) + `)`
		typeArgs = toArgs(types)
	}

	for _, chunk := range chunks(uniqueStrings(ids), 400) {
		ph := placeholders(len(chunk))
		var conds []string
		var args []any
		if dir == graph.Outgoing || dir == graph.Both {
			conds = append(conds, `source_node_id IN (`+ph+`)`)
			args = append(args, toArgs(chunk)...)
		}
		if dir == graph.Incoming || dir == graph.Both {
			conds = append(conds, `target_node_id IN (`+ph+`)`)
			args = append(args, toArgs(chunk)...)
		}
		if len(conds) == 0 {
			return nil, fmt.Errorf("direction %q: %w", dir, ErrInvalidInput)
		}
		args = append(args, typeArgs...)

		rows, err := s.db.QueryContext(ctx, `
			SELECT id, source_node_id, target_node_id, type FROM edges
			WHERE target_node_id IS NOT NULL AND (`+strings.Join(conds, " OR ")+`)`+typeClause+`
			ORDER BY id
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("edges around: %w", err)
		}
		for rows.Next() {
			var e graph.Edge
			if err := rows.Scan(&e.ID, &e.Source, &e.Target, &e.Type); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TraversalEdge is a stored edge annotated with how the traversal used it.
type TraversalEdge struct {
	*Edge
	Direction graph.Direction `json:"direction"`
	Depth     int             `json:"depth"`
}

// TraversalResult is a hydrated graph.Traversal.
type TraversalResult struct {
	Nodes []*Node          `json:"nodes"`
	Depth map[string]int   `json:"depth"`
	Edges []*TraversalEdge `json:"edges"`
}

// PathResult is a hydrated graph.Path.
type PathResult struct {
	Found bool    `json:"found"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

func (s *Store) traverser() *graph.Traverser {
	return graph.NewTraverser(s)
}

func traversalErr(err error) error {
	if errors.Is(err, graph.ErrInvalidDepth) || errors.Is(err, graph.ErrInvalidDirection) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

func (s *Store) requireNode(ctx context.Context, id string) error {
	ok, err := s.NodeExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetConnectedNodes returns the nodes within opts.MaxDepth hops of id,
// excluding id itself.
func (s *Store) GetConnectedNodes(ctx context.Context, id string, opts graph.Options) (*TraversalResult, error) {
	if err := s.requireNode(ctx, id); err != nil {
		return nil, err
	}
	t, err := s.traverser().Connected(ctx, id, opts)
	if err != nil {
		return nil, traversalErr(err)
	}
	return s.hydrateTraversal(ctx, t)
}

// GetSubgraph expands from all roots at once; existing roots are included.
func (s *Store) GetSubgraph(ctx context.Context, roots []string, opts graph.Options) (*TraversalResult, error) {
	t, err := s.traverser().Subgraph(ctx, roots, opts)
	if err != nil {
		return nil, traversalErr(err)
	}
	return s.hydrateTraversal(ctx, t)
}

// GetAncestors follows incoming edges from id, so it returns the nodes
// that led to it.
func (s *Store) GetAncestors(ctx context.Context, id string, maxDepth int, edgeTypes []string) (*TraversalResult, error) {
	return s.GetConnectedNodes(ctx, id, graph.Options{Direction: graph.Incoming, MaxDepth: maxDepth, EdgeTypes: edgeTypes})
}

// GetDescendants follows outgoing edges from id.
func (s *Store) GetDescendants(ctx context.Context, id string, maxDepth int, edgeTypes []string) (*TraversalResult, error) {
	return s.GetConnectedNodes(ctx, id, graph.Options{Direction: graph.Outgoing, MaxDepth: maxDepth, EdgeTypes: edgeTypes})
}

// FindPath returns the first shortest outgoing path from -> to. A missing
// path is reported with Found=false, not an error.
func (s *Store) FindPath(ctx context.Context, from, to string, maxDepth int, edgeTypes []string) (*PathResult, error) {
	for _, id := range []string{from, to} {
		if err := s.requireNode(ctx, id); err != nil {
			return nil, err
		}
	}
	p, err := s.traverser().FindPath(ctx, from, to, maxDepth, edgeTypes)
	if err != nil {
		return nil, traversalErr(err)
	}
	if !p.Found {
		return &PathResult{Nodes: []*Node{}, Edges: []*Edge{}}, nil
	}

	nodes, err := s.GetNodes(ctx, p.NodeIDs)
	if err != nil {
		return nil, err
	}
	edgeIDs := make([]string, len(p.Edges))
	for i, e := range p.Edges {
		edgeIDs[i] = e.ID
	}
	edges, err := s.edgesByID(ctx, edgeIDs)
	if err != nil {
		return nil, err
	}
	ordered := make([]*Edge, 0, len(edgeIDs))
	for _, id := range edgeIDs {
		if e, ok := edges[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return &PathResult{Found: true, Nodes: nodes, Edges: ordered}, nil
}

func (s *Store) hydrateTraversal(ctx context.Context, t *graph.Traversal) (*TraversalResult, error) {
	res := &TraversalResult{Nodes: []*Node{}, Depth: t.Depth, Edges: []*TraversalEdge{}}

	nodes, err := s.GetNodes(ctx, t.NodeIDs)
	if err != nil {
		return nil, err
	}
	res.Nodes = append(res.Nodes, nodes...)

	ids := make([]string, len(t.Edges))
	for i, e := range t.Edges {
		ids[i] = e.ID
	}
	edges, err := s.edgesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, te := range t.Edges {
		if e, ok := edges[te.ID]; ok {
			res.Edges = append(res.Edges, &TraversalEdge{Edge: e, Direction: te.Direction, Depth: te.Depth})
		}
	}
	return res, nil
}

func (s *Store) edgesByID(ctx context.Context, ids []string) (map[string]*Edge, error) {
	out := make(map[string]*Edge, len(ids))
	for _, chunk := range chunks(uniqueStrings(ids), 500) {
		edges, err := queryEdges(ctx, s.db,
			`SELECT `+edgeColumns+` FROM edges WHERE id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			out[e.ID] = e
		}
	}
	return out, nil
}

// LoadGraph materialises the resolved part of the graph in memory, with
// node labels taken from summaries.
func (s *Store) LoadGraph(ctx context.Context) (*graph.Graph, error) {
	g := graph.NewGraph()

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, summary FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, typ, summary string
		if err := rows.Scan(&id, &typ, &summary); err != nil {
			rows.Close()
			return nil, err
		}
		g.EnsureNode(id, summary, typ)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	edges, err := queryEdges(ctx, s.db, `SELECT `+edgeColumns+` FROM edges WHERE target_node_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		g.AddEdge(graph.Edge{ID: e.ID, Source: e.SourceNodeID, Target: e.TargetNodeID, Type: string(e.Type)})
	}
	return g, nil
}
