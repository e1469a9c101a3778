package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitize replaces every character outside [A-Za-z0-9_] with an underscore
// so tenant and project identifiers are safe inside table names and ids.
func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// newMemoryID builds a single-record id. Microsecond precision keeps ids
// generated by one client in creation order.
func newMemoryID(scope Scope, now time.Time) string {
	return fmt.Sprintf("mem_%s_%s_%s",
		sanitize(scope.TenantID),
		sanitize(scope.ProjectID),
		compactStamp(now))
}

// newBatchMemoryID builds a batch-member id. The batch token ties members of
// one BatchAdd call together; seq preserves input order.
func newBatchMemoryID(scope Scope, now time.Time, batchToken string, seq int) string {
	return fmt.Sprintf("%s_%s_%d", newMemoryID(scope, now), batchToken, seq)
}

// newBatchToken returns a short random token shared by one batch.
func newBatchToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// compactStamp renders now as YYYYMMDDHHMMSS plus microseconds.
func compactStamp(now time.Time) string {
	return now.Format("20060102150405") + fmt.Sprintf("%06d", now.Nanosecond()/1000)
}
