// Package search fuses text, vector, relation and recency signals from the
// session graph into one ranked, filtered and paginated result list.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/sessiongraph/internal/metrics"
	"github.com/kittclouds/sessiongraph/internal/store"
	"github.com/kittclouds/sessiongraph/pkg/rank"
)

// Method names reported in Response.Method.
const (
	MethodHybrid  = "hybrid"
	MethodKeyword = "keyword"
	MethodVector  = "vector"
	MethodNone    = "none"
)

// Backend is the subset of the store the engine reads from.
type Backend interface {
	SearchText(ctx context.Context, query string, limit int, fields ...string) ([]store.TextHit, error)
	VectorSearch(ctx context.Context, query []float32, k int) ([]store.VectorHit, error)
	GetNodes(ctx context.Context, ids []string) ([]*store.Node, error)
	CountEdgesForNodes(ctx context.Context, ids []string) (map[string]int, error)
	Generation() uint64
}

// Query is one retrieval request. Text drives keyword matching and
// highlights; Embedding, when set, requests semantic matching.
type Query struct {
	Text      string           `json:"text,omitempty"`
	Embedding []float32        `json:"embedding,omitempty"`
	Filter    store.ListFilter `json:"filter,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
	Fields    []string         `json:"fields,omitempty"`
}

// ScoreBreakdown exposes every signal behind Final. Raw is the weighted sum
// before normalisation.
type ScoreBreakdown struct {
	Text     float64 `json:"text"`
	Vector   float64 `json:"vector"`
	Relation float64 `json:"relation"`
	Recency  float64 `json:"recency"`
	Raw      float64 `json:"raw"`
	Final    float64 `json:"final"`
}

// Highlight is an HTML-safe snippet of one matched field.
type Highlight struct {
	Field   string `json:"field"`
	Snippet string `json:"snippet"`
}

// Result is one ranked node with its score breakdown.
type Result struct {
	Node       *store.Node    `json:"node"`
	Score      ScoreBreakdown `json:"score"`
	Highlights []Highlight    `json:"highlights,omitempty"`
}

// Response is one page of results. Total counts every match after
// filtering. Degraded is set when semantic matching was requested but no
// vector backend could serve it, or the query embedding has the wrong
// dimension for the stored ones.
type Response struct {
	Results  []Result `json:"results"`
	Total    int      `json:"total"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	Degraded bool     `json:"degraded"`
	Method   string   `json:"method"`
}

// Options tunes an Engine. Zero values take the defaults.
type Options struct {
	Weights         rank.Weights
	CandidateLimit  int
	SnippetLength   int
	RecencyHalfLife time.Duration
	RelationK       float64
	CacheTTL        time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

const (
	DefaultCandidateLimit  = 200
	DefaultSnippetLength   = 160
	DefaultRecencyHalfLife = 30 * 24 * time.Hour
	DefaultRelationK       = 5
	DefaultCacheTTL        = 5 * time.Minute
)

// Engine runs hybrid queries against a Backend. It is safe for concurrent
// use.
type Engine struct {
	backend  Backend
	weights  rank.Weights
	cands    int
	snippet  int
	halfLife time.Duration
	relK     float64

	relations *cache.Cache
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewEngine validates opts and returns an engine over b.
func NewEngine(b Backend, opts Options) (*Engine, error) {
	if opts.Weights == (rank.Weights{}) {
		opts.Weights = rank.DefaultWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = DefaultSnippetLength
	}
	if opts.RecencyHalfLife == 0 {
		opts.RecencyHalfLife = DefaultRecencyHalfLife
	}
	if opts.RelationK <= 0 {
		opts.RelationK = DefaultRelationK
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/kittclouds/sessiongraph/internal/search")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		backend:   b,
		weights:   opts.Weights,
		cands:     opts.CandidateLimit,
		snippet:   opts.SnippetLength,
		halfLife:  opts.RecencyHalfLife,
		relK:      opts.RelationK,
		relations: cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		log:       opts.Logger.WithField("component", "search"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       opts.Now,
	}, nil
}

type candidate struct {
	id     string
	text   float64
	vector float64
	node   *store.Node
	score  ScoreBreakdown
}

// Search executes q. A query with nothing to match, or no matches, yields an
// empty page rather than an error.
func (e *Engine) Search(ctx context.Context, q Query) (resp *Response, err error) {
	ctx, span := e.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.Int("query.length", len(q.Text)),
		attribute.Bool("query.semantic", len(q.Embedding) > 0),
	))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("search.method", resp.Method),
				attribute.Int("search.total", resp.Total),
				attribute.Bool("search.degraded", resp.Degraded),
			)
			e.metrics.Search(resp.Method, resp.Degraded, time.Since(started))
		}
		span.End()
	}()

	if err := q.Filter.Validate(); err != nil {
		return nil, err
	}
	fields, err := store.ValidFields(q.Fields)
	if err != nil {
		return nil, err
	}
	limit, offset := store.NormalizePage(q.Limit, q.Offset)
	resp = &Response{Results: []Result{}, Limit: limit, Offset: offset, Method: MethodNone}

	text := strings.TrimSpace(q.Text)
	if text == "" && len(q.Embedding) == 0 {
		return resp, nil
	}

	var textHits []store.TextHit
	var vecHits []store.VectorHit
	g, gctx := errgroup.WithContext(ctx)
	if text != "" {
		g.Go(func() error {
			hits, err := e.backend.SearchText(gctx, text, e.cands, fields...)
			if err != nil {
				return fmt.Errorf("text candidates: %w", err)
			}
			textHits = hits
			return nil
		})
	}
	if len(q.Embedding) > 0 {
		g.Go(func() error {
			hits, err := e.backend.VectorSearch(gctx, q.Embedding, e.cands)
			// an embedding from another model cannot be compared, but the
			// keyword half of the query still can
			if errors.Is(err, store.ErrCapabilityUnavailable) || errors.Is(err, store.ErrDimensionMismatch) {
				e.log.WithError(err).Debug("vector candidates skipped")
				resp.Degraded = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("vector candidates: %w", err)
			}
			vecHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if resp.Degraded {
		e.log.WithField("query", text).Warn("vector search unavailable, ranking by keyword only")
	}
	resp.Method = method(text != "", len(q.Embedding) > 0 && !resp.Degraded)

	cands := merge(textHits, vecHits)
	if len(cands) == 0 {
		return resp, nil
	}

	if err := e.hydrate(ctx, cands, q.Filter); err != nil {
		return nil, err
	}
	cands = kept(cands)
	if len(cands) == 0 {
		return resp, nil
	}
	if err := e.score(ctx, cands); err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score.Final != cands[j].score.Final {
			return cands[i].score.Final > cands[j].score.Final
		}
		return cands[i].id < cands[j].id
	})

	resp.Total = len(cands)
	if offset >= len(cands) {
		return resp, nil
	}
	page := cands[offset:min(offset+limit, len(cands))]

	var hl *Highlighter
	if text != "" {
		hl = NewHighlighter(store.QueryTerms(text), e.snippet)
	}
	for _, c := range page {
		r := Result{Node: c.node, Score: c.score}
		if hl != nil {
			r.Highlights = highlights(hl, c.node, fields)
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

func method(text, vector bool) string {
	switch {
	case text && vector:
		return MethodHybrid
	case text:
		return MethodKeyword
	case vector:
		return MethodVector
	default:
		return MethodNone
	}
}

// merge unions both candidate lists by node ID. Text scores are made
// relative to the best hit of this query.
func merge(textHits []store.TextHit, vecHits []store.VectorHit) []*candidate {
	byID := make(map[string]*candidate, len(textHits)+len(vecHits))
	var order []*candidate
	get := func(id string) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{id: id}
		byID[id] = c
		order = append(order, c)
		return c
	}

	var best float64
	for _, h := range textHits {
		best = max(best, h.Score)
	}
	for _, h := range textHits {
		get(h.NodeID).text = rank.TextRelevance(h.Score, best)
	}
	for _, h := range vecHits {
		if h.Similarity <= 0 {
			continue
		}
		get(h.NodeID).vector = h.Similarity
	}
	return order
}

// hydrate loads candidate nodes and drops those the filter rejects.
func (e *Engine) hydrate(ctx context.Context, cands []*candidate, filter store.ListFilter) error {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	nodes, err := e.backend.GetNodes(ctx, ids)
	if err != nil {
		return fmt.Errorf("hydrate candidates: %w", err)
	}
	byID := make(map[string]*store.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, c := range cands {
		if n, ok := byID[c.id]; ok && filter.Match(n) {
			c.node = n
		}
	}
	return nil
}

func kept(cands []*candidate) []*candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.node != nil {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) score(ctx context.Context, cands []*candidate) error {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	counts, err := e.relationCounts(ctx, ids)
	if err != nil {
		return err
	}
	now := e.now()
	for _, c := range cands {
		comp := rank.Components{
			Text:     c.text,
			Vector:   c.vector,
			Relation: rank.RelationScore(counts[c.id], e.relK),
		}
		if e.halfLife > 0 {
			comp.Recency = rank.RecencyScore(c.node.Metadata.Timestamp, now, e.halfLife)
		}
		c.score = ScoreBreakdown{
			Text:     comp.Text,
			Vector:   comp.Vector,
			Relation: comp.Relation,
			Recency:  comp.Recency,
			Raw:      e.weights.Raw(comp),
			Final:    e.weights.Combine(comp),
		}
	}
	return nil
}

// relationCounts serves edge counts from the cache while the store's write
// generation is unchanged.
func (e *Engine) relationCounts(ctx context.Context, ids []string) (map[string]int, error) {
	gen := e.backend.Generation()
	key := func(id string) string { return fmt.Sprintf("%d:%s", gen, id) }

	out := make(map[string]int, len(ids))
	var missing []string
	for _, id := range ids {
		if v, ok := e.relations.Get(key(id)); ok {
			out[id] = v.(int)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	counts, err := e.backend.CountEdgesForNodes(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("relation counts: %w", err)
	}
	for _, id := range missing {
		out[id] = counts[id]
		e.relations.Set(key(id), counts[id], cache.DefaultExpiration)
	}
	return out, nil
}

func highlights(hl *Highlighter, n *store.Node, fields []string) []Highlight {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	var out []Highlight
	for _, f := range store.TextFields(n) {
		if !want[f.Name] {
			continue
		}
		if snip, ok := hl.Snippet(f.Text); ok {
			out = append(out, Highlight{Field: f.Name, Snippet: snip})
		}
	}
	return out
}
