package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/driftlock/memoryd/internal/engine"
)

// SearchOptions shapes one retrieval call.
type SearchOptions struct {
	// Query is the free-text query. Empty means a plain scan.
	Query string

	// Limit caps the result set. Non-positive means DefaultSearchLimit.
	Limit int

	// MetadataFilter keeps only records whose metadata carries every given
	// key with an equal value. Applied client-side after retrieval.
	MetadataFilter map[string]any

	// TagFilter keeps only records carrying every given tag.
	TagFilter []string
}

// DefaultSearchLimit bounds result sets when the caller does not.
const DefaultSearchLimit = 10

// fusionWeights balances dense and fulltext scores in native fusion.
var fusionWeights = []float64{0.5, 0.5}

// Search retrieves records for the scope. Retrieval never hard-fails: any
// error on this path degrades to an empty result with a log line, since a
// memory lookup that errors is indistinguishable from one that finds
// nothing as far as callers are concerned.
func (s *Service) Search(ctx context.Context, scope Scope, opts SearchOptions) []*Record {
	ctx, span := tracer.Start(ctx, "memory.Search", spanOpts(scope)...)
	defer span.End()
	start := s.now()

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	records, err := s.retrieve(ctx, scope, opts, limit)
	observeOp("search", time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "search degraded to empty result",
			zap.String("tenant_id", scope.TenantID),
			zap.String("project_id", scope.ProjectID),
			zap.Error(err))
		searchDegraded.Inc()
		return []*Record{}
	}

	filtered := records[:0]
	for _, rec := range records {
		if !metadataMatches(rec.Metadata, opts.MetadataFilter) {
			continue
		}
		if !tagsContain(rec.Tags, opts.TagFilter) {
			continue
		}
		filtered = append(filtered, rec)
	}

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	span.SetAttributes(attribute.Int("memory.results", len(filtered)))
	return filtered
}

// retrieve runs the engine query and decodes rows. Relevance order is the
// engine's; plain scans come back in natural order.
func (s *Service) retrieve(ctx context.Context, scope Scope, opts SearchOptions, limit int) ([]*Record, error) {
	tbl, err := s.liveTable(ctx, scope)
	if err != nil {
		return nil, err
	}

	if opts.Query == "" {
		rows, err := tbl.Scan(ctx, engine.ScanQuery{Limit: limit})
		if err != nil {
			return nil, err
		}
		return s.codec.decodeRows(ctx, rows), nil
	}

	vector, err := s.embedder.Embed(ctx, opts.Query)
	if err != nil {
		return nil, err
	}

	dense := &engine.DenseClause{
		Column: "embedding",
		Vector: vector,
		Metric: "ip",
		TopN:   limit,
	}
	text := &engine.TextClause{
		Column: "content",
		Query:  opts.Query,
		TopN:   limit,
	}

	rows, err := s.fusedOrDense(ctx, tbl, dense, text)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// Dense recall can genuinely be empty (e.g. vocabulary far from
		// anything stored); keyword match still has a chance.
		rows, err = tbl.Search(ctx, engine.SearchQuery{Text: text})
		if err != nil {
			return nil, err
		}
	}
	return s.codec.decodeRows(ctx, rows), nil
}

// fusedOrDense prefers engine-native weighted fusion and degrades to a plain
// dense query when the engine rejects the fusion clause.
func (s *Service) fusedOrDense(ctx context.Context, tbl engine.Table, dense *engine.DenseClause, text *engine.TextClause) ([]engine.Row, error) {
	rows, err := tbl.Search(ctx, engine.SearchQuery{
		Dense: dense,
		Text:  text,
		Fusion: &engine.FusionClause{
			Method:  "weighted_sum",
			Weights: fusionWeights,
		},
	})
	if err == nil {
		return rows, nil
	}
	if engine.IsUnsupported(err) || engine.KindOf(err) == engine.KindInvalid {
		s.logger.Debug(ctx, "native fusion unavailable, using dense query", zap.Error(err))
		return tbl.Search(ctx, engine.SearchQuery{Dense: dense})
	}
	return nil, err
}

// List returns records in natural order with offset pagination. Like Search,
// it degrades to empty on failure.
func (s *Service) List(ctx context.Context, scope Scope, limit, offset int) []*Record {
	ctx, span := tracer.Start(ctx, "memory.List", spanOpts(scope)...)
	defer span.End()
	start := s.now()

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.list(ctx, scope, limit, offset)
	observeOp("list", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn(ctx, "list degraded to empty result", zap.Error(err))
		span.RecordError(err)
		return []*Record{}
	}
	return records
}

func (s *Service) list(ctx context.Context, scope Scope, limit, offset int) ([]*Record, error) {
	tbl, err := s.liveTable(ctx, scope)
	if err != nil {
		return nil, err
	}
	rows, err := tbl.Scan(ctx, engine.ScanQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return s.codec.decodeRows(ctx, rows), nil
}
