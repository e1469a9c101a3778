package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/driftlock/memoryd/internal/engine"
)

// fakeEmbedder returns a deterministic vector derived from the text so
// equal texts embed identically.
type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, f.dim)
	for i, b := range []byte(text) {
		vec[i%f.dim] += float32(b) / 255
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEmbedder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeTable stores rows in memory and records every insert batch.
type fakeTable struct {
	mu      sync.Mutex
	name    string
	schema  []engine.Column
	indexes []engine.IndexSpec
	rows    []engine.Row
	inserts [][]engine.Row

	// insertErrAt fails the Nth insert call (1-based). Zero disables.
	insertErrAt int
	insertCalls int

	updateErr error
	deleteErr error
	scanErr   error

	// fusionErr is returned for queries carrying a fusion clause.
	fusionErr error

	// denseEmpty makes dense-only queries return no rows.
	denseEmpty bool
}

func (t *fakeTable) Name() string { return t.name }

func (t *fakeTable) CreateIndex(ctx context.Context, spec engine.IndexSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes = append(t.indexes, spec)
	return nil
}

func (t *fakeTable) Insert(ctx context.Context, rows []engine.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertCalls++
	if t.insertErrAt > 0 && t.insertCalls == t.insertErrAt {
		return &engine.Error{Kind: engine.KindTransient, Op: "insert", Message: "connection reset"}
	}
	batch := make([]engine.Row, len(rows))
	copy(batch, rows)
	t.inserts = append(t.inserts, batch)
	t.rows = append(t.rows, rows...)
	return nil
}

// filterID extracts the id from a memory_id equality predicate.
func filterID(filter string) string {
	start := strings.Index(filter, "'")
	end := strings.LastIndex(filter, "'")
	if start < 0 || end <= start {
		return ""
	}
	return strings.ReplaceAll(filter[start+1:end], "''", "'")
}

func (t *fakeTable) Update(ctx context.Context, filter string, values engine.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateErr != nil {
		return t.updateErr
	}
	id := filterID(filter)
	for _, row := range t.rows {
		if row["memory_id"] == id {
			for k, v := range values {
				row[k] = v
			}
		}
	}
	return nil
}

func (t *fakeTable) Delete(ctx context.Context, filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleteErr != nil {
		return t.deleteErr
	}
	id := filterID(filter)
	kept := t.rows[:0]
	for _, row := range t.rows {
		if row["memory_id"] != id {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	return nil
}

func (t *fakeTable) Scan(ctx context.Context, q engine.ScanQuery) ([]engine.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanErr != nil {
		return nil, t.scanErr
	}

	var matched []engine.Row
	for _, row := range t.rows {
		if q.Filter != "" && row["memory_id"] != filterID(q.Filter) {
			continue
		}
		matched = append(matched, row)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return copyRows(matched), nil
}

func (t *fakeTable) Search(ctx context.Context, q engine.SearchQuery) ([]engine.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if q.Fusion != nil {
		if t.fusionErr != nil {
			return nil, t.fusionErr
		}
		return t.rankedLocked(func(row engine.Row) float64 {
			return 0.5*denseScore(q.Dense, row) + 0.5*textScore(q.Text, row)
		}, q.Dense.TopN), nil
	}

	if q.Dense != nil {
		if t.denseEmpty {
			return nil, nil
		}
		return t.rankedLocked(func(row engine.Row) float64 {
			return denseScore(q.Dense, row)
		}, q.Dense.TopN), nil
	}

	return t.rankedLocked(func(row engine.Row) float64 {
		return textScore(q.Text, row)
	}, q.Text.TopN), nil
}

// rankedLocked scores all rows and returns the top n with positive scores,
// annotated with a _score column.
func (t *fakeTable) rankedLocked(score func(engine.Row) float64, n int) []engine.Row {
	type scored struct {
		row engine.Row
		s   float64
	}
	var hits []scored
	for _, row := range t.rows {
		if s := score(row); s > 0 {
			hits = append(hits, scored{row: row, s: s})
		}
	}
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].s > hits[i].s {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	if n > 0 && len(hits) > n {
		hits = hits[:n]
	}
	out := make([]engine.Row, len(hits))
	for i, h := range hits {
		row := engine.Row{}
		for k, v := range h.row {
			row[k] = v
		}
		row["_score"] = h.s
		out[i] = row
	}
	return out
}

func denseScore(clause *engine.DenseClause, row engine.Row) float64 {
	if clause == nil {
		return 0
	}
	stored, ok := row["embedding"].([]float32)
	if !ok || len(stored) != len(clause.Vector) {
		return 0
	}
	var dot float64
	for i := range stored {
		dot += float64(stored[i]) * float64(clause.Vector[i])
	}
	return dot
}

func textScore(clause *engine.TextClause, row engine.Row) float64 {
	if clause == nil {
		return 0
	}
	content, _ := row["content"].(string)
	var score float64
	for _, term := range strings.Fields(strings.ToLower(clause.Query)) {
		score += float64(strings.Count(strings.ToLower(content), term))
	}
	return score
}

func copyRows(rows []engine.Row) []engine.Row {
	out := make([]engine.Row, len(rows))
	for i, row := range rows {
		cp := engine.Row{}
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// fakeDatabase tracks tables and create/get traffic.
type fakeDatabase struct {
	mu          sync.Mutex
	name        string
	tables      map[string]*fakeTable
	createCalls int
	getCalls    int
}

func newFakeDatabase(name string) *fakeDatabase {
	return &fakeDatabase{name: name, tables: map[string]*fakeTable{}}
}

func (d *fakeDatabase) Name() string { return d.name }

func (d *fakeDatabase) CreateTable(ctx context.Context, name string, schema []engine.Column) (engine.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	if _, exists := d.tables[name]; exists {
		return nil, &engine.Error{Kind: engine.KindConflict, Op: "create_table", Message: "duplicate table"}
	}
	tbl := &fakeTable{name: name, schema: schema}
	d.tables[name] = tbl
	return tbl, nil
}

func (d *fakeDatabase) GetTable(ctx context.Context, name string) (engine.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getCalls++
	tbl, ok := d.tables[name]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindNotFound, Op: "get_table", Message: name}
	}
	return tbl, nil
}

func (d *fakeDatabase) table(name string) *fakeTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[name]
}

// fakeStore is the Engine root for service tests.
type fakeStore struct {
	mu        sync.Mutex
	databases map[string]*fakeDatabase
	listErr   error
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{databases: map[string]*fakeDatabase{}}
}

func (f *fakeStore) ListDatabases(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.databases))
	for name := range f.databases {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStore) CreateDatabase(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.databases[name]; exists {
		return &engine.Error{Kind: engine.KindConflict, Op: "create_database", Message: "Duplicated db entry"}
	}
	f.databases[name] = newFakeDatabase(name)
	return nil
}

func (f *fakeStore) GetDatabase(ctx context.Context, name string) (engine.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	db, ok := f.databases[name]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindNotFound, Op: "get_database", Message: name}
	}
	return db, nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) database(name string) *fakeDatabase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.databases[name]
}

var _ engine.Engine = (*fakeStore)(nil)
