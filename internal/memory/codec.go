package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftlock/memoryd/internal/engine"
	"github.com/driftlock/memoryd/internal/logging"
)

// codec translates between Record and the engine's row shape. All
// normalization of the engine's loosely-typed rows happens here so the rest
// of the service only ever sees canonical records.
type codec struct {
	logger *logging.Logger
}

// encodeMetadata renders metadata as a JSON object string. Unserializable
// values degrade to "{}" so a bad metadata value can never block a write.
func (c codec) encodeMetadata(ctx context.Context, md map[string]any) string {
	if md == nil {
		return "{}"
	}
	data, err := json.Marshal(md)
	if err != nil {
		c.logger.Warn(ctx, "metadata not serializable, storing empty object", zap.Error(err))
		return "{}"
	}
	return string(data)
}

// encodeTags renders tags as a JSON array string, "[]" on failure.
func (c codec) encodeTags(ctx context.Context, tags []string) string {
	if tags == nil {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		c.logger.Warn(ctx, "tags not serializable, storing empty array", zap.Error(err))
		return "[]"
	}
	return string(data)
}

// encodeRow builds the full insert row for a record.
func (c codec) encodeRow(ctx context.Context, rec Record, embedding []float32) engine.Row {
	return engine.Row{
		"memory_id": rec.MemoryID,
		"content":   rec.Content,
		"embedding": embedding,
		"timestamp": rec.Timestamp,
		"metadata":  c.encodeMetadata(ctx, rec.Metadata),
		"tags":      c.encodeTags(ctx, rec.Tags),
	}
}

// decodeRow turns one engine row into a Record. A row the codec cannot make
// sense of yields nil so one bad row never aborts a result set.
func (c codec) decodeRow(ctx context.Context, row engine.Row) *Record {
	memoryID, ok := scalarString(row["memory_id"])
	if !ok || memoryID == "" {
		c.logger.Warn(ctx, "row missing memory_id, skipping")
		return nil
	}

	rec := &Record{
		MemoryID: memoryID,
		Metadata: map[string]any{},
		Tags:     []string{},
	}

	if content, ok := scalarString(row["content"]); ok {
		rec.Content = content
	}
	if ts, ok := scalarString(row["timestamp"]); ok {
		rec.Timestamp = ts
	}

	if raw, ok := scalarString(row["metadata"]); ok && raw != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(raw), &md); err != nil || md == nil {
			c.logger.Warn(ctx, "stored metadata is not a JSON object",
				zap.String("memory_id", memoryID))
		} else {
			rec.Metadata = md
		}
	}

	if raw, ok := scalarString(row["tags"]); ok && raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
			c.logger.Warn(ctx, "stored tags are not a JSON array",
				zap.String("memory_id", memoryID))
		} else {
			rec.Tags = tags
		}
	}

	if score, ok := scoreOf(row); ok {
		rec.Score = &score
	}

	return rec
}

// decodeRows decodes a result set, dropping undecodable rows.
func (c codec) decodeRows(ctx context.Context, rows []engine.Row) []*Record {
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		if rec := c.decodeRow(ctx, row); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// scalarString normalizes a field value to a string. Engines return either
// the scalar itself or a one-element container holding it; both forms are
// accepted, anything else is rejected.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []any:
		if len(val) == 1 {
			return scalarString(val[0])
		}
		return "", false
	case []string:
		if len(val) == 1 {
			return val[0], true
		}
		return "", false
	case nil:
		return "", false
	default:
		return "", false
	}
}

// scalarFloat normalizes a numeric field value.
func scalarFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case []any:
		if len(val) == 1 {
			return scalarFloat(val[0])
		}
		return 0, false
	default:
		return 0, false
	}
}

// scoreOf extracts the relevance score under whichever column name the
// engine used for this query shape.
func scoreOf(row engine.Row) (float64, bool) {
	for _, key := range []string{"_score", "_score1", "score"} {
		if v, present := row[key]; present {
			if f, ok := scalarFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// metadataMatches reports whether every wanted key is present with the same
// string form in got. Comparison is on string forms so 1 and 1.0 from a JSON
// round trip still match.
func metadataMatches(got map[string]any, want map[string]any) bool {
	for k, v := range want {
		gv, present := got[k]
		if !present {
			return false
		}
		if fmt.Sprintf("%v", gv) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

// tagsContain reports whether got contains every wanted tag.
func tagsContain(got []string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(got))
	for _, t := range got {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
