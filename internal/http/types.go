// Package http provides the REST API for memoryd.
package http

import "github.com/driftlock/memoryd/internal/memory"

// AddRequest is the body for POST .../memories.
type AddRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// AddResponse is the body returned for a stored record.
type AddResponse struct {
	MemoryID string `json:"memory_id"`
}

// BatchAddRequest is the body for POST .../memories/batch.
type BatchAddRequest struct {
	Items []AddRequest `json:"items"`
}

// BatchAddResponse reports the ids written by a batch. On a partial
// failure Error carries the reason and MemoryIDs holds everything that
// landed before the failing chunk.
type BatchAddResponse struct {
	MemoryIDs []string `json:"memory_ids"`
	Error     string   `json:"error,omitempty"`
}

// SearchRequest is the body for POST .../memories/search.
type SearchRequest struct {
	Query          string         `json:"query,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	MetadataFilter map[string]any `json:"metadata_filter,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
}

// SearchResponse is the body for search and list endpoints.
type SearchResponse struct {
	Results []*memory.Record `json:"results"`
}

// UpdateRequest is the body for PATCH .../memories/:id. Absent fields are
// left untouched.
type UpdateRequest struct {
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// UpdateResponse reports whether the update was applied.
type UpdateResponse struct {
	Updated bool `json:"updated"`
}

// DeleteResponse reports whether the delete was applied.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}
