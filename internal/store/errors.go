package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateReport means another report already holds the provenance tuple.
	ErrDuplicateReport = errors.New("duplicate report identity")
	ErrVersionConflict = errors.New("version conflict")
	ErrReportFinal     = errors.New("report is final")
)

// VersionConflictError reports the authoritative version at the time a
// conditional write was rejected.
type VersionConflictError struct {
	Current int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
