package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
	Both     Direction = "both"
)

// MaxDepthLimit bounds every traversal.
const MaxDepthLimit = 10

var (
	// ErrInvalidDepth is returned for a negative depth or one above MaxDepthLimit.
	ErrInvalidDepth = errors.New("invalid traversal depth")
	// ErrInvalidDirection is returned for an unknown Direction.
	ErrInvalidDirection = errors.New("invalid traversal direction")
)

func (d Direction) includesOutgoing() bool { return d == Outgoing || d == Both }
func (d Direction) includesIncoming() bool { return d == Incoming || d == Both }

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Incoming || d == Outgoing || d == Both
}

// Adjacency is the edge source a Traverser walks. Implementations return
// every edge touching any of ids in the requested direction, restricted to
// types when types is non-empty.
type Adjacency interface {
	EdgesAround(ctx context.Context, ids []string, dir Direction, types []string) ([]Edge, error)
}

// Options controls a bounded breadth-first expansion.
type Options struct {
	Direction Direction `json:"direction"`
	MaxDepth  int       `json:"maxDepth"`
	EdgeTypes []string  `json:"edgeTypes,omitempty"`
}

// TraversalEdge is an edge found during expansion, annotated with the
// direction it was followed in and the hop at which it was crossed.
type TraversalEdge struct {
	Edge
	Direction Direction `json:"direction"`
	Depth     int       `json:"depth"`
}

// Traversal is the outcome of an expansion. NodeIDs are in discovery order;
// Depth holds the shortest hop distance of every returned node.
type Traversal struct {
	NodeIDs []string        `json:"nodeIds"`
	Depth   map[string]int  `json:"depth"`
	Edges   []TraversalEdge `json:"edges"`
}

// Path is the outcome of FindPath.
type Path struct {
	Found   bool     `json:"found"`
	NodeIDs []string `json:"nodeIds"`
	Edges   []Edge   `json:"edges"`
}

// Traverser runs bounded graph algorithms over an Adjacency.
type Traverser struct {
	adj Adjacency
}

// NewTraverser creates a traverser over adj.
func NewTraverser(adj Adjacency) *Traverser {
	return &Traverser{adj: adj}
}

func validate(opts *Options) error {
	if opts.MaxDepth < 0 || opts.MaxDepth > MaxDepthLimit {
		return fmt.Errorf("%w: %d (allowed 0..%d)", ErrInvalidDepth, opts.MaxDepth, MaxDepthLimit)
	}
	if opts.Direction == "" {
		opts.Direction = Both
	}
	if !opts.Direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, opts.Direction)
	}
	return nil
}

// Connected expands from root and returns everything within MaxDepth hops.
// The root itself is not part of the result.
func (t *Traverser) Connected(ctx context.Context, root string, opts Options) (*Traversal, error) {
	return t.expand(ctx, []string{root}, opts, false)
}

// Subgraph expands from every root at once. Roots are included at depth 0.
func (t *Traverser) Subgraph(ctx context.Context, roots []string, opts Options) (*Traversal, error) {
	return t.expand(ctx, roots, opts, true)
}

// Ancestors follows incoming edges from root.
func (t *Traverser) Ancestors(ctx context.Context, root string, maxDepth int, edgeTypes []string) (*Traversal, error) {
	return t.Connected(ctx, root, Options{Direction: Incoming, MaxDepth: maxDepth, EdgeTypes: edgeTypes})
}

// Descendants follows outgoing edges from root.
func (t *Traverser) Descendants(ctx context.Context, root string, maxDepth int, edgeTypes []string) (*Traversal, error) {
	return t.Connected(ctx, root, Options{Direction: Outgoing, MaxDepth: maxDepth, EdgeTypes: edgeTypes})
}

// expand is a level-synchronous BFS. A node keeps the depth at which it was
// first reached; depth bookkeeping is per node so self-loops and cycles
// terminate.
func (t *Traverser) expand(ctx context.Context, roots []string, opts Options, includeRoots bool) (*Traversal, error) {
	if err := validate(&opts); err != nil {
		return nil, err
	}

	result := &Traversal{
		NodeIDs: []string{},
		Depth:   make(map[string]int),
		Edges:   []TraversalEdge{},
	}

	visited := make(map[string]int, len(roots))
	var frontier []string
	for _, r := range roots {
		if _, ok := visited[r]; ok || r == "" {
			continue
		}
		visited[r] = 0
		frontier = append(frontier, r)
		if includeRoots {
			result.NodeIDs = append(result.NodeIDs, r)
			result.Depth[r] = 0
		}
	}

	seenEdges := make(map[string]bool)
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		edges, err := t.adj.EdgesAround(ctx, frontier, opts.Direction, opts.EdgeTypes)
		if err != nil {
			return nil, fmt.Errorf("expanding depth %d: %w", depth, err)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		var next []string
		visit := func(e Edge, other string, dir Direction) {
			if _, ok := visited[other]; !ok {
				visited[other] = depth
				next = append(next, other)
				result.NodeIDs = append(result.NodeIDs, other)
				result.Depth[other] = depth
			}
			if !seenEdges[e.ID] {
				seenEdges[e.ID] = true
				result.Edges = append(result.Edges, TraversalEdge{Edge: e, Direction: dir, Depth: depth})
			}
		}

		for _, e := range edges {
			if e.Target == "" {
				continue
			}
			if opts.Direction.includesOutgoing() && inFrontier[e.Source] {
				visit(e, e.Target, Outgoing)
			}
			if opts.Direction.includesIncoming() && inFrontier[e.Target] {
				visit(e, e.Source, Incoming)
			}
		}
		frontier = next
	}

	return result, nil
}

// FindPath returns the first shortest path from -> to over outgoing edges.
// Edges at each node are explored in edge-ID order, so ties between equal
// length paths resolve deterministically. A missing path is not an error,
// and a maxDepth of 0 finds nothing, not even from == to.
func (t *Traverser) FindPath(ctx context.Context, from, to string, maxDepth int, edgeTypes []string) (*Path, error) {
	opts := Options{Direction: Outgoing, MaxDepth: maxDepth, EdgeTypes: edgeTypes}
	if err := validate(&opts); err != nil {
		return nil, err
	}
	if maxDepth == 0 {
		return &Path{NodeIDs: []string{}, Edges: []Edge{}}, nil
	}
	if from == to {
		return &Path{Found: true, NodeIDs: []string{from}, Edges: []Edge{}}, nil
	}

	type hop struct {
		prev string
		edge Edge
	}
	parent := map[string]hop{from: {}}
	frontier := []string{from}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		edges, err := t.adj.EdgesAround(ctx, frontier, Outgoing, edgeTypes)
		if err != nil {
			return nil, fmt.Errorf("path search depth %d: %w", depth, err)
		}
		bySource := make(map[string][]Edge)
		for _, e := range edges {
			if e.Target != "" {
				bySource[e.Source] = append(bySource[e.Source], e)
			}
		}

		var next []string
		for _, id := range frontier {
			out := bySource[id]
			sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
			for _, e := range out {
				if _, ok := parent[e.Target]; ok {
					continue
				}
				parent[e.Target] = hop{prev: id, edge: e}
				if e.Target == to {
					return buildPath(from, to, func(n string) (string, Edge) {
						h := parent[n]
						return h.prev, h.edge
					}), nil
				}
				next = append(next, e.Target)
			}
		}
		frontier = next
	}

	return &Path{Found: false, NodeIDs: []string{}, Edges: []Edge{}}, nil
}

func buildPath(from, to string, back func(string) (string, Edge)) *Path {
	var nodes []string
	var edges []Edge
	for cur := to; cur != from; {
		prev, e := back(cur)
		nodes = append(nodes, cur)
		edges = append(edges, e)
		cur = prev
	}
	nodes = append(nodes, from)

	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for i, j := 0, len(edges)-1; i < j; i, j = i+1, j-1 {
		edges[i], edges[j] = edges[j], edges[i]
	}
	return &Path{Found: true, NodeIDs: nodes, Edges: edges}
}
