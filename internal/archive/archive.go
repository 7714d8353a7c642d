// Package archive keeps a copy of every rendered report text in object
// storage, one object per report version.
package archive

import (
	"context"
	"fmt"
	"strings"
)

// Archive persists rendered report text.
type Archive interface {
	Put(ctx context.Context, tenantID, reportID string, version int, text string) (string, error)
}

// ObjectKey is reports/{tenant}/{report}/v{version}.txt.
func ObjectKey(tenantID, reportID string, version int) string {
	return fmt.Sprintf("reports/%s/%s/v%d.txt", sanitizeSegment(tenantID), sanitizeSegment(reportID), version)
}

func sanitizeSegment(value string) string {
	value = strings.TrimSpace(value)
	value = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(value)
	if value == "" {
		return "_"
	}
	return value
}

// Nop discards everything. Used when no object storage is configured.
type Nop struct{}

func (Nop) Put(_ context.Context, tenantID, reportID string, version int, _ string) (string, error) {
	return ObjectKey(tenantID, reportID, version), nil
}
