package engine

import "context"

// Row is a single stored row as returned by the engine. Values are loosely
// typed: depending on the engine build, a field may come back as a bare
// scalar or as a one-element container. Normalization happens in the record
// codec, never here.
type Row map[string]any

// ColumnType enumerates the column types of the fixed schema.
type ColumnType string

const (
	ColumnVarchar   ColumnType = "varchar"
	ColumnVector    ColumnType = "vector"
	ColumnTimestamp ColumnType = "timestamp"
)

// Column describes one column of a table schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`

	// Dimension is the vector length; set only for ColumnVector.
	Dimension int `json:"dimension,omitempty"`
}

// IndexKind enumerates supported index kinds.
type IndexKind string

const (
	IndexHNSW     IndexKind = "hnsw"
	IndexFulltext IndexKind = "fulltext"
)

// IndexSpec describes an index to create on a table column.
type IndexSpec struct {
	Name   string         `json:"name"`
	Column string         `json:"column"`
	Kind   IndexKind      `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// ScanQuery is a plain filtered/paginated row scan.
type ScanQuery struct {
	// Filter is a predicate over row columns (e.g. memory_id = 'x').
	// Empty means unfiltered.
	Filter string `json:"filter,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// DenseClause is an approximate nearest-neighbor query over a vector column.
type DenseClause struct {
	Column string    `json:"column"`
	Vector []float32 `json:"vector"`

	// Metric is the distance metric; "ip" for inner product.
	Metric string `json:"metric"`
	TopN   int    `json:"topn"`
}

// TextClause is a fulltext query over a varchar column.
type TextClause struct {
	Column string `json:"column"`
	Query  string `json:"query"`
	TopN   int    `json:"topn"`
}

// FusionClause asks the engine to blend the dense and text result sets
// natively. Weights apply in clause order (dense first).
type FusionClause struct {
	Method  string    `json:"method"`
	Weights []float64 `json:"weights"`
}

// SearchQuery combines at most one dense and one text clause, optionally
// fused. A query with a single clause returns that clause's ranking.
type SearchQuery struct {
	Dense  *DenseClause  `json:"dense,omitempty"`
	Text   *TextClause   `json:"text,omitempty"`
	Fusion *FusionClause `json:"fusion,omitempty"`
}

// Engine is a live handle to the storage engine.
type Engine interface {
	// ListDatabases returns the names of all logical databases. Also serves
	// as the liveness probe: it is the cheapest call that exercises the
	// full transport.
	ListDatabases(ctx context.Context) ([]string, error)

	// CreateDatabase creates a logical database. A duplicate entry surfaces
	// as a KindConflict error.
	CreateDatabase(ctx context.Context, name string) error

	// GetDatabase returns a handle to an existing database, or a
	// KindNotFound error.
	GetDatabase(ctx context.Context, name string) (Database, error)

	// Close releases the connection. Idempotent.
	Close() error
}

// Database is a handle to one logical database.
type Database interface {
	Name() string

	// CreateTable creates a table with the given schema. A duplicate table
	// surfaces as a KindConflict error.
	CreateTable(ctx context.Context, name string, schema []Column) (Table, error)

	// GetTable returns a handle to an existing table, or a KindNotFound
	// error.
	GetTable(ctx context.Context, name string) (Table, error)
}

// Table is a handle to one table.
type Table interface {
	Name() string

	// CreateIndex creates an index on a column. Duplicate index names
	// surface as KindConflict.
	CreateIndex(ctx context.Context, spec IndexSpec) error

	// Insert writes rows as one batched insert.
	Insert(ctx context.Context, rows []Row) error

	// Update applies a partial column update to rows matching filter.
	Update(ctx context.Context, filter string, values Row) error

	// Delete removes rows matching filter.
	Delete(ctx context.Context, filter string) error

	// Scan returns rows by natural order with optional filter/pagination.
	Scan(ctx context.Context, q ScanQuery) ([]Row, error)

	// Search executes a dense, fulltext, or fused query and returns rows
	// in relevance order with their score columns.
	Search(ctx context.Context, q SearchQuery) ([]Row, error)
}
