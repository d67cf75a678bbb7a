package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kittclouds/sessiongraph/internal/metrics"
	"github.com/kittclouds/sessiongraph/internal/store"
)

// Store is what the pipeline needs from the node store.
type Store interface {
	NodesNeedingEmbedding(ctx context.Context, model, marker string, limit int, force bool) ([]string, error)
	CountNodesNeedingEmbedding(ctx context.Context, model, marker string, force bool) (int, error)
	GetNodes(ctx context.Context, ids []string) ([]*store.Node, error)
	UpsertEmbedding(ctx context.Context, emb store.Embedding) error
}

const DefaultBatchSize = 16

// Options configures a Pipeline.
type Options struct {
	// RequestsPerSecond caps provider calls; 0 means unlimited.
	RequestsPerSecond float64
	Burst             int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Pipeline generates and stores embeddings for nodes that need them.
type Pipeline struct {
	store    Store
	provider Provider
	limiter  *rate.Limiter
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewPipeline wires a provider to the store. Zero options mean no rate
// limit and the standard logger.
func NewPipeline(s Store, p Provider, opts Options) *Pipeline {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/kittclouds/sessiongraph/internal/embed")
	}
	return &Pipeline{
		store:    s,
		provider: p,
		limiter:  rate.NewLimiter(limit, burst),
		log:      opts.Logger.WithFields(logrus.Fields{"component": "embed", "model": p.Model()}),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// FindNodesNeedingEmbedding lists up to limit node IDs that are missing a
// current embedding, newest first. force selects every node.
func (p *Pipeline) FindNodesNeedingEmbedding(ctx context.Context, limit int, force bool) ([]string, error) {
	return p.store.NodesNeedingEmbedding(ctx, p.provider.Model(), Marker, limit, force)
}

// CountNodesNeedingEmbedding is a read-only estimate of a backfill's work.
func (p *Pipeline) CountNodesNeedingEmbedding(ctx context.Context, force bool) (int, error) {
	return p.store.CountNodesNeedingEmbedding(ctx, p.provider.Model(), Marker, force)
}

type BackfillOptions struct {
	BatchSize int  `json:"batch_size"`
	Limit     int  `json:"limit"` // 0 means every candidate
	Force     bool `json:"force"`
}

// BackfillResult aggregates one run. Errors maps a failed node ID to its
// error text; FailedNodeIDs keeps them in processing order so callers can
// retry exactly those.
type BackfillResult struct {
	RunID         uuid.UUID         `json:"run_id"`
	Total         int               `json:"total"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Skipped       int               `json:"skipped"`
	FailedNodeIDs []string          `json:"failed_node_ids"`
	Errors        map[string]string `json:"errors"`
	Duration      time.Duration     `json:"duration"`
}

func (r *BackfillResult) fail(id string, err error) {
	r.Failed++
	r.FailedNodeIDs = append(r.FailedNodeIDs, id)
	r.Errors[id] = err.Error()
}

// Backfill embeds every node that needs it, in batches. A node that fails
// is recorded in the result and does not stop its batch or the run. When ctx
// ends the partial result is returned together with ctx.Err().
func (p *Pipeline) Backfill(ctx context.Context, opts BackfillOptions) (res *BackfillResult, err error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	res = &BackfillResult{
		RunID:         uuid.New(),
		FailedNodeIDs: []string{},
		Errors:        map[string]string{},
	}
	log := p.log.WithField("run_id", res.RunID.String())

	ctx, span := p.tracer.Start(ctx, "embed.Backfill", trace.WithAttributes(
		attribute.String("run_id", res.RunID.String()),
		attribute.Int("batch_size", opts.BatchSize),
		attribute.Bool("force", opts.Force),
	))
	started := time.Now()
	defer func() {
		res.Duration = time.Since(started)
		span.SetAttributes(
			attribute.Int("total", res.Total),
			attribute.Int("succeeded", res.Succeeded),
			attribute.Int("failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.Backfill(res.Succeeded, res.Failed, res.Duration)
	}()

	ids, err := p.FindNodesNeedingEmbedding(ctx, opts.Limit, opts.Force)
	if err != nil {
		return res, fmt.Errorf("select nodes: %w", err)
	}
	res.Total = len(ids)
	if res.Total == 0 {
		log.Debug("no nodes need embedding")
		return res, nil
	}
	log.WithField("total", res.Total).Info("embedding backfill started")

	for start, batch := 0, 1; start < len(ids); start, batch = start+opts.BatchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			log.WithField("done", res.Succeeded+res.Failed).Warn("embedding backfill cancelled")
			return res, err
		}
		end := min(start+opts.BatchSize, len(ids))
		if err := p.runBatch(ctx, ids[start:end], res); err != nil {
			log.WithField("batch", batch).Warn("embedding backfill cancelled")
			return res, err
		}
		log.WithFields(logrus.Fields{
			"batch":     batch,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		}).Debug("batch done")
	}

	log.WithFields(logrus.Fields{
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}).Info("embedding backfill finished")
	return res, nil
}

// runBatch embeds one batch. It only returns an error when ctx ends;
// everything else is recorded per node.
func (p *Pipeline) runBatch(ctx context.Context, ids []string, res *BackfillResult) error {
	nodes, err := p.store.GetNodes(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, id := range ids {
			res.fail(id, err)
		}
		return nil
	}
	// deleted since selection
	res.Skipped += len(ids) - len(nodes)
	if len(nodes) == 0 {
		return nil
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = BuildEmbeddingText(n)
	}

	vecs, err := p.embed(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// retry one by one so a single bad input cannot sink its siblings
		p.log.WithError(err).WithField("size", len(nodes)).Debug("batch embed failed, retrying per node")
		for i, n := range nodes {
			v, err := p.embed(ctx, texts[i:i+1])
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.recordFailure(res, n.ID, err)
				continue
			}
			p.storeVector(ctx, res, n, texts[i], v[0])
		}
		return nil
	}

	for i, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.storeVector(ctx, res, n, texts[i], vecs[i])
	}
	return nil
}

func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	vecs, err := p.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProvider, len(vecs), len(texts))
	}
	return vecs, nil
}

func (p *Pipeline) storeVector(ctx context.Context, res *BackfillResult, n *store.Node, text string, vec []float32) {
	if len(vec) == 0 {
		p.recordFailure(res, n.ID, fmt.Errorf("%w: empty vector", ErrProvider))
		return
	}
	if d := p.provider.Dimensions(); d > 0 && len(vec) != d {
		p.recordFailure(res, n.ID, fmt.Errorf("%w: got %d dimensions, want %d", ErrProvider, len(vec), d))
		return
	}
	err := p.store.UpsertEmbedding(ctx, store.Embedding{
		NodeID:    n.ID,
		Vector:    vec,
		ModelName: p.provider.Model(),
		InputText: text,
	})
	if err != nil {
		p.recordFailure(res, n.ID, err)
		return
	}
	res.Succeeded++
}

func (p *Pipeline) recordFailure(res *BackfillResult, id string, err error) {
	p.log.WithError(err).WithField("node_id", id).Warn("node not embedded")
	res.fail(id, err)
}
