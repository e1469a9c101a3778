// Package memory implements the multi-tenant memory record service: table
// provisioning per (tenant, project), record encode/decode against the
// engine's row shape, hybrid retrieval, and the mutation operations.
package memory

import "time"

// TimestampLayout is the storage form of record timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one stored memory.
type Record struct {
	// MemoryID is assigned at creation and never changes.
	MemoryID string `json:"memory_id"`

	Content string `json:"content"`

	// Timestamp is the creation time in TimestampLayout form.
	Timestamp string `json:"timestamp"`

	Metadata map[string]any `json:"metadata"`
	Tags     []string       `json:"tags"`

	// Score is the engine relevance score. Present only on search results.
	Score *float64 `json:"score,omitempty"`
}

// NewTimestamp formats t for storage.
func NewTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Fields is a partial update. Nil members are left untouched.
type Fields struct {
	Content  *string
	Metadata map[string]any
	Tags     []string
}

// Scope identifies the tenant/project pair an operation runs against.
type Scope struct {
	TenantID  string
	ProjectID string
}
