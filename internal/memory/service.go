package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/driftlock/memoryd/internal/config"
	"github.com/driftlock/memoryd/internal/engine"
	"github.com/driftlock/memoryd/internal/logging"
)

var tracer = otel.Tracer("memoryd.memory")

// spanOpts attaches the operation scope to a span.
func spanOpts(scope Scope) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("tenant.id", scope.TenantID),
		attribute.String("project.id", scope.ProjectID),
	)}
}

// batchChunkSize is the number of records written per engine insert during
// BatchAdd. Embeddings inside a chunk are computed concurrently.
const batchChunkSize = 10

// Embedder computes dense vectors for record content.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Params wires a Service.
type Params struct {
	// Dial establishes engine sessions. The Service owns the connection
	// lifecycle built on top of it.
	Dial engine.DialFunc

	Embedder Embedder
	Store    config.StoreConfig

	// ConnectRetries / ConnectRetryDelay shape the dial budget. Zero
	// values take the connection manager defaults.
	ConnectRetries    int
	ConnectRetryDelay time.Duration

	Logger *logging.Logger
}

// Service is the multi-tenant memory record service.
type Service struct {
	conn     *engine.Conn
	dbName   string
	registry *registry
	codec    codec
	embedder Embedder
	logger   *logging.Logger

	// limiter paces batch chunks so a large BatchAdd cannot saturate the
	// engine or the embedding endpoint.
	limiter *rate.Limiter

	// db is the session-scoped database handle, refreshed by the
	// post-connect hook on every dial including reconnects.
	dbMu sync.Mutex
	db   engine.Database

	now func() time.Time
}

// NewService creates a Service. Open must be called before use.
func NewService(p Params) (*Service, error) {
	if p.Dial == nil {
		return nil, errors.New("dial function required")
	}
	if p.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	if p.Store.Database == "" {
		return nil, errors.New("database name required")
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Service{
		dbName: p.Store.Database,
		registry: newRegistry(
			p.Store.TablePrefix,
			p.Embedder.Dimension(),
			p.Store.HNSWM,
			p.Store.HNSWEfConstruction,
			logger,
		),
		codec:    codec{logger: logger},
		embedder: p.Embedder,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		now:      time.Now,
	}
	s.conn = engine.NewConn(p.Dial, engine.ConnOptions{
		Retries:    p.ConnectRetries,
		RetryDelay: p.ConnectRetryDelay,
		OnConnect:  s.provisionDatabase,
		Logger:     logger,
	})
	return s, nil
}

// Open connects to the engine and provisions the logical database.
func (s *Service) Open(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// Close releases the engine session. Idempotent.
func (s *Service) Close() error {
	return s.conn.Close()
}

// State reports the connection lifecycle state.
func (s *Service) State() engine.State {
	return s.conn.State()
}

// provisionDatabase runs after every successful dial. Creating a database
// that already exists is success; any other create failure is fatal for the
// connect.
func (s *Service) provisionDatabase(ctx context.Context, eng engine.Engine) error {
	if err := eng.CreateDatabase(ctx, s.dbName); err != nil && !engine.IsConflict(err) {
		return fmt.Errorf("creating database %s: %w", s.dbName, err)
	}
	db, err := eng.GetDatabase(ctx, s.dbName)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", s.dbName, err)
	}

	s.dbMu.Lock()
	s.db = db
	s.dbMu.Unlock()

	// Old-session table handles are dead after a redial.
	s.registry.Reset()
	return nil
}

func (s *Service) database() (engine.Database, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.db == nil {
		return nil, errors.New("service not connected")
	}
	return s.db, nil
}

// table resolves the scope's table without a liveness probe. Mutations take
// this path; a dead socket surfaces on the mutation itself.
func (s *Service) table(ctx context.Context, scope Scope) (engine.Table, error) {
	if _, err := s.conn.Handle(ctx); err != nil {
		return nil, err
	}
	return s.scopeTable(ctx, scope)
}

// liveTable resolves the scope's table after a liveness probe, reconnecting
// once if the session died. Reads that must not silently miss rows take
// this path.
func (s *Service) liveTable(ctx context.Context, scope Scope) (engine.Table, error) {
	if _, err := s.conn.EnsureLive(ctx); err != nil {
		return nil, err
	}
	return s.scopeTable(ctx, scope)
}

func (s *Service) scopeTable(ctx context.Context, scope Scope) (engine.Table, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	tbl, outcome, err := s.registry.getOrCreateTable(ctx, db, scope)
	if err != nil {
		return nil, err
	}
	if outcome != ProvisionCached {
		tablesProvisioned.WithLabelValues(outcome.String()).Inc()
	}
	return tbl, nil
}

// Add stores one record and returns its id. A failed embedding fails the
// add; a record without a real vector must never be written.
func (s *Service) Add(ctx context.Context, scope Scope, content string, metadata map[string]any, tags []string) (id string, err error) {
	ctx, span := tracer.Start(ctx, "memory.Add",
		spanOpts(scope)...)
	defer span.End()
	start := s.now()
	defer func() { observeOp("add", time.Since(start).Seconds(), err) }()

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("embedding content: %w", err)
	}

	tbl, err := s.table(ctx, scope)
	if err != nil {
		return "", err
	}

	now := s.now()
	rec := Record{
		MemoryID:  newMemoryID(scope, now),
		Content:   content,
		Timestamp: NewTimestamp(now),
		Metadata:  metadata,
		Tags:      tags,
	}
	if err := tbl.Insert(ctx, []engine.Row{s.codec.encodeRow(ctx, rec, vector)}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("inserting record: %w", err)
	}

	span.SetAttributes(attribute.String("memory.id", rec.MemoryID))
	return rec.MemoryID, nil
}

// BatchItem is one record in a BatchAdd call.
type BatchItem struct {
	Content  string
	Metadata map[string]any
	Tags     []string
}

// BatchAdd stores records in paced chunks. Embeddings within a chunk run
// concurrently; each chunk lands as one engine insert. On a chunk failure
// the batch stops and the ids of every fully-inserted chunk come back
// alongside the error, so callers know exactly what was written.
func (s *Service) BatchAdd(ctx context.Context, scope Scope, items []BatchItem) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "memory.BatchAdd",
		spanOpts(scope)...)
	defer span.End()
	start := s.now()
	defer func() { observeOp("batch_add", time.Since(start).Seconds(), err) }()

	if len(items) == 0 {
		return []string{}, nil
	}

	tbl, err := s.table(ctx, scope)
	if err != nil {
		return []string{}, err
	}

	token := newBatchToken()
	ids = make([]string, 0, len(items))

	for offset := 0; offset < len(items); offset += batchChunkSize {
		if offset > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return ids, err
			}
		}

		end := offset + batchChunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[offset:end]

		chunkIDs, err := s.insertChunk(ctx, scope, tbl, chunk, token, offset)
		if err != nil {
			s.logger.Error(ctx, "batch aborted on chunk failure",
				zap.Int("inserted", len(ids)),
				zap.Int("total", len(items)),
				zap.Error(err))
			return ids, fmt.Errorf("batch chunk at offset %d: %w", offset, err)
		}
		ids = append(ids, chunkIDs...)
		batchChunksInserted.Inc()
	}

	span.SetAttributes(attribute.Int("memory.batch_size", len(ids)))
	return ids, nil
}

// insertChunk embeds a chunk concurrently and writes it as one insert. Ids
// are only returned once the insert succeeded.
func (s *Service) insertChunk(ctx context.Context, scope Scope, tbl engine.Table, chunk []BatchItem, token string, seqBase int) ([]string, error) {
	vectors := make([][]float32, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range chunk {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, item.Content)
			if err != nil {
				return fmt.Errorf("embedding item %d: %w", seqBase+i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	ids := make([]string, len(chunk))
	rows := make([]engine.Row, len(chunk))
	for i, item := range chunk {
		rec := Record{
			MemoryID:  newBatchMemoryID(scope, now, token, seqBase+i),
			Content:   item.Content,
			Timestamp: NewTimestamp(now),
			Metadata:  item.Metadata,
			Tags:      item.Tags,
		}
		ids[i] = rec.MemoryID
		rows[i] = s.codec.encodeRow(ctx, rec, vectors[i])
	}

	if err := tbl.Insert(ctx, rows); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns one record by id, or nil when it is absent or undecodable.
func (s *Service) Get(ctx context.Context, scope Scope, memoryID string) *Record {
	ctx, span := tracer.Start(ctx, "memory.Get", spanOpts(scope)...)
	defer span.End()
	start := s.now()

	rec, err := s.get(ctx, scope, memoryID)
	observeOp("get", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn(ctx, "get degraded to not-found",
			zap.String("memory_id", memoryID), zap.Error(err))
		return nil
	}
	return rec
}

func (s *Service) get(ctx context.Context, scope Scope, memoryID string) (*Record, error) {
	tbl, err := s.table(ctx, scope)
	if err != nil {
		return nil, err
	}
	rows, err := tbl.Scan(ctx, engine.ScanQuery{
		Filter: engine.IDFilter(memoryID),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.codec.decodeRow(ctx, rows[0]), nil
}

// Update applies a partial update by id. Supplying new content recomputes
// the embedding; other fields are re-encoded only when supplied. Updating a
// missing id is a successful no-op. Returns false instead of raising on any
// failure.
func (s *Service) Update(ctx context.Context, scope Scope, memoryID string, fields Fields) bool {
	ctx, span := tracer.Start(ctx, "memory.Update", spanOpts(scope)...)
	defer span.End()
	start := s.now()

	err := s.update(ctx, scope, memoryID, fields)
	observeOp("update", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn(ctx, "update failed",
			zap.String("memory_id", memoryID), zap.Error(err))
		span.RecordError(err)
		return false
	}
	return true
}

func (s *Service) update(ctx context.Context, scope Scope, memoryID string, fields Fields) error {
	values := engine.Row{}
	if fields.Content != nil {
		vector, err := s.embedder.Embed(ctx, *fields.Content)
		if err != nil {
			return fmt.Errorf("embedding updated content: %w", err)
		}
		values["content"] = *fields.Content
		values["embedding"] = vector
	}
	if fields.Metadata != nil {
		values["metadata"] = s.codec.encodeMetadata(ctx, fields.Metadata)
	}
	if fields.Tags != nil {
		values["tags"] = s.codec.encodeTags(ctx, fields.Tags)
	}
	if len(values) == 0 {
		return nil
	}

	tbl, err := s.liveTable(ctx, scope)
	if err != nil {
		return err
	}
	return tbl.Update(ctx, engine.IDFilter(memoryID), values)
}

// Delete removes one record by id. Deleting a missing id succeeds. Returns
// false instead of raising on failure.
func (s *Service) Delete(ctx context.Context, scope Scope, memoryID string) bool {
	ctx, span := tracer.Start(ctx, "memory.Delete", spanOpts(scope)...)
	defer span.End()
	start := s.now()

	err := s.delete(ctx, scope, memoryID)
	observeOp("delete", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn(ctx, "delete failed",
			zap.String("memory_id", memoryID), zap.Error(err))
		span.RecordError(err)
		return false
	}
	return true
}

func (s *Service) delete(ctx context.Context, scope Scope, memoryID string) error {
	tbl, err := s.table(ctx, scope)
	if err != nil {
		return err
	}
	return tbl.Delete(ctx, engine.IDFilter(memoryID))
}
