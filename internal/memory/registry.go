package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/driftlock/memoryd/internal/engine"
	"github.com/driftlock/memoryd/internal/logging"
)

// ProvisionOutcome says whether getOrCreateTable found an existing table or
// created one.
type ProvisionOutcome int

const (
	ProvisionCached ProvisionOutcome = iota
	ProvisionCreated
	ProvisionAlreadyExists
)

// String returns the outcome name.
func (o ProvisionOutcome) String() string {
	switch o {
	case ProvisionCached:
		return "cached"
	case ProvisionCreated:
		return "created"
	case ProvisionAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// registry provisions and caches table handles per (tenant, project). Handles
// live for the registry's lifetime; a reconnect swaps the whole registry via
// Reset rather than evicting entries.
type registry struct {
	prefix    string
	dimension int
	hnswM     int
	hnswEf    int
	logger    *logging.Logger

	// tables maps table name to engine.Table. Concurrent create/fetch of
	// the same table is benign: provisioning tolerates the conflict and
	// both callers end with a handle to the same table.
	tables sync.Map
}

func newRegistry(prefix string, dimension, hnswM, hnswEf int, logger *logging.Logger) *registry {
	return &registry{
		prefix:    prefix,
		dimension: dimension,
		hnswM:     hnswM,
		hnswEf:    hnswEf,
		logger:    logger,
	}
}

// tableName builds the per-scope table name.
func (r *registry) tableName(scope Scope) string {
	return fmt.Sprintf("%s%s_%s", r.prefix, sanitize(scope.TenantID), sanitize(scope.ProjectID))
}

// schema is the fixed memory table layout.
func (r *registry) schema() []engine.Column {
	return []engine.Column{
		{Name: "memory_id", Type: engine.ColumnVarchar},
		{Name: "content", Type: engine.ColumnVarchar},
		{Name: "embedding", Type: engine.ColumnVector, Dimension: r.dimension},
		{Name: "timestamp", Type: engine.ColumnTimestamp},
		{Name: "metadata", Type: engine.ColumnVarchar},
		{Name: "tags", Type: engine.ColumnVarchar},
	}
}

// getOrCreateTable returns the scope's table handle, provisioning the table
// and both of its indexes on first use. A handle is never returned before
// both indexes exist.
func (r *registry) getOrCreateTable(ctx context.Context, db engine.Database, scope Scope) (engine.Table, ProvisionOutcome, error) {
	name := r.tableName(scope)
	if cached, ok := r.tables.Load(name); ok {
		return cached.(engine.Table), ProvisionCached, nil
	}

	tbl, outcome, err := r.provision(ctx, db, name)
	if err != nil {
		return nil, outcome, err
	}

	actual, _ := r.tables.LoadOrStore(name, tbl)
	return actual.(engine.Table), outcome, nil
}

func (r *registry) provision(ctx context.Context, db engine.Database, name string) (engine.Table, ProvisionOutcome, error) {
	tbl, err := db.CreateTable(ctx, name, r.schema())
	if err != nil {
		// Lost the create race, or the table predates this process.
		// Either way the existing table is the one we want.
		r.logger.Debug(ctx, "table create failed, fetching existing",
			zap.String("table", name), zap.Error(err))
		existing, getErr := db.GetTable(ctx, name)
		if getErr != nil {
			return nil, ProvisionAlreadyExists, fmt.Errorf("provisioning table %s: %w", name, err)
		}
		return existing, ProvisionAlreadyExists, nil
	}

	if err := r.createIndexes(ctx, tbl); err != nil {
		return nil, ProvisionCreated, err
	}

	r.logger.Info(ctx, "provisioned memory table", zap.String("table", name))
	return tbl, ProvisionCreated, nil
}

func (r *registry) createIndexes(ctx context.Context, tbl engine.Table) error {
	specs := []engine.IndexSpec{
		{
			Name:   "idx_embedding",
			Column: "embedding",
			Kind:   engine.IndexHNSW,
			Params: map[string]any{
				"M":               r.hnswM,
				"ef_construction": r.hnswEf,
				"metric":          "ip",
			},
		},
		{
			Name:   "idx_content",
			Column: "content",
			Kind:   engine.IndexFulltext,
			Params: map[string]any{"analyzer": "standard"},
		},
	}
	for _, spec := range specs {
		if err := tbl.CreateIndex(ctx, spec); err != nil && !engine.IsConflict(err) {
			return fmt.Errorf("creating %s index on %s: %w", spec.Kind, tbl.Name(), err)
		}
	}
	return nil
}

// Reset drops every cached handle. Called after a reconnect, when handles
// from the old session are no longer valid.
func (r *registry) Reset() {
	r.tables.Range(func(key, _ any) bool {
		r.tables.Delete(key)
		return true
	})
}
