// Package store persists bookings and their attributions.
//
// Both implementations expose the same three projections over one table:
// active rows (not cancelled), all rows, and cancelled rows. Approval reads
// always use the active projection.
package store

import (
	"spotkeeper/pkg/platform/sentinel"
)

// Re-exported so callers can match store facts without importing sentinel.
var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)
