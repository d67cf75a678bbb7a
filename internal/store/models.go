// Package store persists the session knowledge graph: nodes with their
// version history, typed edges, the full-text projection and embeddings.
package store

import (
	"sort"
	"time"
)

// NodeType classifies the kind of work a node records.
type NodeType string

const (
	TypeCoding        NodeType = "coding"
	TypeDebugging     NodeType = "debugging"
	TypeResearch      NodeType = "research"
	TypePlanning      NodeType = "planning"
	TypeRefactor      NodeType = "refactor"
	TypeSysadmin      NodeType = "sysadmin"
	TypeDocumentation NodeType = "documentation"
	TypeConfiguration NodeType = "configuration"
	TypeQA            NodeType = "qa"
	TypeBrainstorm    NodeType = "brainstorm"
	TypeHandoff       NodeType = "handoff"
	TypeOther         NodeType = "other"
	TypeData          NodeType = "data"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

type EdgeType string

const (
	EdgeContinuation      EdgeType = "continuation"
	EdgeFork              EdgeType = "fork"
	EdgeBranch            EdgeType = "branch"
	EdgeHandoff           EdgeType = "handoff"
	EdgeTreeJump          EdgeType = "tree_jump"
	EdgeResume            EdgeType = "resume"
	EdgeCompaction        EdgeType = "compaction"
	EdgeReference         EdgeType = "reference"
	EdgeLessonApplication EdgeType = "lesson_application"
	EdgeFailurePattern    EdgeType = "failure_pattern"
	EdgeProjectRelated    EdgeType = "project_related"
	EdgeTechniqueShared   EdgeType = "technique_shared"
	EdgeSemantic          EdgeType = "semantic"
)

// CreatedBy records edge provenance.
type CreatedBy string

const (
	CreatedByBoundary CreatedBy = "boundary"
	CreatedByDaemon   CreatedBy = "daemon"
	CreatedByUser     CreatedBy = "user"
)

// Confidence is the grouping key for lessons.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Node is one analyzed unit of work. Nodes are never edited in place; every
// change is written as a new version.
type Node struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	Classification Classification `json:"classification"`
	Content        Content        `json:"content"`
	Semantic       Semantic       `json:"semantic"`
	Metadata       Metadata       `json:"metadata"`
	DaemonMeta     DaemonMeta     `json:"daemonMeta"`
}

type Classification struct {
	Type         NodeType `json:"type"`
	Project      string   `json:"project"`
	Outcome      Outcome  `json:"outcome"`
	HadClearGoal bool     `json:"hadClearGoal"`
	IsNewProject bool     `json:"isNewProject"`
}

type Content struct {
	Summary      string       `json:"summary"`
	Decisions    []Decision   `json:"decisions"`
	ToolErrors   []ToolError  `json:"toolErrors"`
	ModelQuirks  []ModelQuirk `json:"modelQuirks"`
	Lessons      []Lesson     `json:"lessons"`
	FilesTouched []string     `json:"filesTouched"`
	ToolsUsed    []string     `json:"toolsUsed"`
}

type Decision struct {
	What string `json:"what"`
	Why  string `json:"why"`
}

type ToolError struct {
	Tool       string `json:"tool"`
	Message    string `json:"message"`
	Resolution string `json:"resolution,omitempty"`
}

type ModelQuirk struct {
	Model       string `json:"model"`
	Observation string `json:"observation"`
	Workaround  string `json:"workaround,omitempty"`
}

type Lesson struct {
	Confidence Confidence `json:"confidence"`
	Summary    string     `json:"summary"`
	Details    string     `json:"details,omitempty"`
}

type Semantic struct {
	Tags   []string `json:"tags"`
	Topics []string `json:"topics"`
}

// Metadata carries accounting for the analyzed segment. SessionFile and the
// segment bounds are the inputs of the deterministic node ID.
type Metadata struct {
	Timestamp       time.Time `json:"timestamp"`
	Computer        string    `json:"computer"`
	SessionFile     string    `json:"sessionFile,omitempty"`
	SegmentStart    string    `json:"segmentStart,omitempty"`
	SegmentEnd      string    `json:"segmentEnd,omitempty"`
	TokensUsed      int       `json:"tokensUsed"`
	CostUSD         float64   `json:"costUsd"`
	DurationMinutes float64   `json:"durationMinutes"`
	AnalyzerModel   string    `json:"analyzerModel"`
}

type DaemonMeta struct {
	AnalyzedAt      time.Time `json:"analyzedAt"`
	AnalyzerVersion string    `json:"analyzerVersion"`
}

// NewNode returns a node with every collection initialised so JSON output
// carries [] rather than null.
func NewNode(id string) *Node {
	return &Node{
		ID:             id,
		Classification: Classification{Type: TypeOther},
		Content:        EmptyContent(),
		Semantic:       EmptySemantic(),
	}
}

func EmptyContent() Content {
	return Content{
		Decisions:    []Decision{},
		ToolErrors:   []ToolError{},
		ModelQuirks:  []ModelQuirk{},
		Lessons:      []Lesson{},
		FilesTouched: []string{},
		ToolsUsed:    []string{},
	}
}

func EmptySemantic() Semantic {
	return Semantic{Tags: []string{}, Topics: []string{}}
}

// LessonsByConfidence groups lessons, preserving their order within a group.
func (c Content) LessonsByConfidence() map[Confidence][]Lesson {
	out := make(map[Confidence][]Lesson)
	for _, l := range c.Lessons {
		out[l.Confidence] = append(out[l.Confidence], l)
	}
	return out
}

// normalize fills nil collections and sorts/dedupes tags and topics.
func (n *Node) normalize() {
	if n.Content.Decisions == nil {
		n.Content.Decisions = []Decision{}
	}
	if n.Content.ToolErrors == nil {
		n.Content.ToolErrors = []ToolError{}
	}
	if n.Content.ModelQuirks == nil {
		n.Content.ModelQuirks = []ModelQuirk{}
	}
	if n.Content.Lessons == nil {
		n.Content.Lessons = []Lesson{}
	}
	if n.Content.FilesTouched == nil {
		n.Content.FilesTouched = []string{}
	}
	if n.Content.ToolsUsed == nil {
		n.Content.ToolsUsed = []string{}
	}
	n.Semantic.Tags = uniqueSorted(n.Semantic.Tags)
	n.Semantic.Topics = uniqueSorted(n.Semantic.Topics)
	if n.Classification.Type == "" {
		n.Classification.Type = TypeOther
	}
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Edge is a directed, typed relationship. TargetNodeID is empty for an
// unresolved edge, whose Metadata.UnresolvedTarget describes the target.
type Edge struct {
	ID           string       `json:"id"`
	SourceNodeID string       `json:"sourceNodeId"`
	TargetNodeID string       `json:"targetNodeId,omitempty"`
	Type         EdgeType     `json:"type"`
	Metadata     EdgeMetadata `json:"metadata"`
	CreatedBy    CreatedBy    `json:"createdBy"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type EdgeMetadata struct {
	Confidence       float64           `json:"confidence,omitempty"`
	Similarity       float64           `json:"similarity,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	UnresolvedTarget string            `json:"unresolvedTarget,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Resolved reports whether the edge points at a concrete node.
func (e *Edge) Resolved() bool { return e.TargetNodeID != "" }

// EdgeOptions are the optional parts of CreateEdge.
type EdgeOptions struct {
	Metadata  EdgeMetadata
	CreatedBy CreatedBy
}

// Embedding is a node's vector. At most one exists per node.
type Embedding struct {
	NodeID    string    `json:"nodeId"`
	Vector    []float32 `json:"vector"`
	ModelName string    `json:"modelName"`
	InputText string    `json:"inputText"`
	CreatedAt time.Time `json:"createdAt"`
}

// TermCount is a tag, topic or project with the number of nodes using it.
type TermCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}
