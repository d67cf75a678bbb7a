// Package graph provides the traversal engine for the session graph and a
// small in-memory graph used for subgraph rendering and topology stats.
package graph

import (
	"context"
	"sort"
)

// Node is a vertex in an in-memory Graph.
type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Edge is a directed, typed relationship between two node IDs.
// Target is empty for unresolved relationships.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Graph is a directed multigraph keyed by node ID.
// It implements Adjacency, so the traversal engine can run over it directly.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`

	// Adjacency lists: NodeID -> EdgeID -> Edge
	Outbound map[string]map[string]*Edge `json:"outbound"`
	Inbound  map[string]map[string]*Edge `json:"inbound"`
}

// NewGraph creates an empty graph
func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]*Node),
		Outbound: make(map[string]map[string]*Edge),
		Inbound:  make(map[string]map[string]*Edge),
	}
}

// EnsureNode adds a node if it doesn't exist, returns existing node otherwise
func (g *Graph) EnsureNode(id, label, kind string) *Node {
	if existing, exists := g.Nodes[id]; exists {
		return existing
	}

	node := &Node{
		ID:    id,
		Label: label,
		Kind:  kind,
	}
	g.Nodes[id] = node
	return node
}

// AddEdge records a directed edge. Endpoints are created as bare nodes when
// missing. Unresolved edges (empty target) are ignored.
func (g *Graph) AddEdge(edge Edge) {
	if edge.Target == "" {
		return
	}
	g.EnsureNode(edge.Source, edge.Source, "")
	g.EnsureNode(edge.Target, edge.Target, "")

	e := edge
	if g.Outbound[edge.Source] == nil {
		g.Outbound[edge.Source] = make(map[string]*Edge)
	}
	g.Outbound[edge.Source][edge.ID] = &e

	// Maintain reverse index
	if g.Inbound[edge.Target] == nil {
		g.Inbound[edge.Target] = make(map[string]*Edge)
	}
	g.Inbound[edge.Target][edge.ID] = &e
}

// GetNode retrieves a node by ID
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// DegreeCentrality computes (in+out)/(2*(n-1)) for each node
func (g *Graph) DegreeCentrality() map[string]float64 {
	n := len(g.Nodes)
	if n <= 1 {
		result := make(map[string]float64)
		for id := range g.Nodes {
			result[id] = 0.0
		}
		return result
	}

	normalizer := 2.0 * float64(n-1)
	result := make(map[string]float64, n)

	for id := range g.Nodes {
		outDegree := len(g.Outbound[id])
		inDegree := len(g.Inbound[id])
		result[id] = float64(outDegree+inDegree) / normalizer
	}

	return result
}

// OrphanNodes returns nodes with no connections, sorted by ID.
func (g *Graph) OrphanNodes() []*Node {
	var orphans []*Node
	for id, node := range g.Nodes {
		if len(g.Outbound[id]) == 0 && len(g.Inbound[id]) == 0 {
			orphans = append(orphans, node)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}

// EdgesAround implements Adjacency.
func (g *Graph) EdgesAround(_ context.Context, ids []string, dir Direction, types []string) ([]Edge, error) {
	allowed := typeSet(types)
	seen := make(map[string]bool)
	var result []Edge

	add := func(edges map[string]*Edge) {
		for _, e := range edges {
			if seen[e.ID] || (allowed != nil && !allowed[e.Type]) {
				continue
			}
			seen[e.ID] = true
			result = append(result, *e)
		}
	}
	for _, id := range ids {
		if dir.includesOutgoing() {
			add(g.Outbound[id])
		}
		if dir.includesIncoming() {
			add(g.Inbound[id])
		}
	}
	return result, nil
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
