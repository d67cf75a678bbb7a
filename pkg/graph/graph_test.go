package graph

import (
	"context"
	"sort"
	"testing"
)

func edgeIDs(t *testing.T, g *Graph, id string, dir Direction) []string {
	t.Helper()
	edges, err := g.EdgesAround(context.Background(), []string{id}, dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestGraphBasics(t *testing.T) {
	g := NewGraph()

	g.EnsureNode("a", "Session A", "coding")
	g.EnsureNode("b", "Session B", "debugging")
	g.EnsureNode("c", "Session C", "research")

	if len(g.Nodes) != 3 {
		t.Errorf("node count = %d, want 3", len(g.Nodes))
	}
	if n := g.EnsureNode("a", "renamed", ""); n.Label != "Session A" {
		t.Errorf("EnsureNode replaced label with %q", n.Label)
	}

	g.AddEdge(Edge{ID: "e1", Source: "a", Target: "b", Type: "continuation"})
	g.AddEdge(Edge{ID: "e2", Source: "a", Target: "c", Type: "reference"})

	if got := edgeIDs(t, g, "a", Outgoing); len(got) != 2 {
		t.Errorf("a outgoing = %v, want 2 edges", got)
	}
}

func TestParallelEdgesAreKept(t *testing.T) {
	g := NewGraph()
	g.AddEdge(Edge{ID: "e1", Source: "a", Target: "b", Type: "continuation"})
	g.AddEdge(Edge{ID: "e2", Source: "a", Target: "b", Type: "semantic"})

	if got := edgeIDs(t, g, "b", Incoming); len(got) != 2 {
		t.Errorf("b incoming = %v, want e1 and e2", got)
	}
	if len(g.Nodes) != 2 {
		t.Errorf("node count = %d, want 2", len(g.Nodes))
	}
}

func TestEdgesAroundDirections(t *testing.T) {
	g := NewGraph()
	g.AddEdge(Edge{ID: "e1", Source: "planner", Target: "coder", Type: "handoff"})

	if got := edgeIDs(t, g, "planner", Outgoing); len(got) != 1 || got[0] != "e1" {
		t.Errorf("planner outgoing = %v, want [e1]", got)
	}
	if got := edgeIDs(t, g, "planner", Incoming); len(got) != 0 {
		t.Errorf("planner incoming = %v, want none", got)
	}
	if got := edgeIDs(t, g, "coder", Both); len(got) != 1 {
		t.Errorf("coder both = %v, want [e1]", got)
	}
}

func TestUnresolvedEdgeIgnored(t *testing.T) {
	g := NewGraph()
	g.AddEdge(Edge{ID: "e1", Source: "a", Target: "", Type: "reference"})
	if got := edgeIDs(t, g, "a", Both); len(got) != 0 {
		t.Errorf("edges = %v, want none", got)
	}
	if len(g.Nodes) != 0 {
		t.Errorf("node count = %d, want 0", len(g.Nodes))
	}
}

func TestOrphanNodes(t *testing.T) {
	g := NewGraph()

	g.EnsureNode("connected", "Connected", "coding")
	g.EnsureNode("orphan", "Orphan", "coding")
	g.AddEdge(Edge{ID: "e1", Source: "connected", Target: "target", Type: "reference"})

	orphans := g.OrphanNodes()
	if len(orphans) != 1 {
		t.Fatalf("Orphan count = %d, want 1", len(orphans))
	}
	if orphans[0].ID != "orphan" {
		t.Errorf("Orphan ID = %s, want 'orphan'", orphans[0].ID)
	}
}

func TestDegreeCentrality(t *testing.T) {
	g := NewGraph()

	g.AddEdge(Edge{ID: "e1", Source: "hub", Target: "a", Type: "reference"})
	g.AddEdge(Edge{ID: "e2", Source: "hub", Target: "b", Type: "reference"})
	g.AddEdge(Edge{ID: "e3", Source: "hub", Target: "c", Type: "reference"})

	centrality := g.DegreeCentrality()
	if centrality["hub"] <= centrality["a"] {
		t.Error("Hub should have higher centrality than leaf nodes")
	}
}

func TestEdgesAroundFiltersByType(t *testing.T) {
	g := NewGraph()
	g.AddEdge(Edge{ID: "e1", Source: "a", Target: "b", Type: "continuation"})
	g.AddEdge(Edge{ID: "e2", Source: "c", Target: "a", Type: "fork"})

	edges, err := g.EdgesAround(context.Background(), []string{"a"}, Both, []string{"fork"})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].ID != "e2" {
		t.Errorf("edges = %+v, want only e2", edges)
	}
}
