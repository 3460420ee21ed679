package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: row does not exist in the requested view
//   - ErrConflict: a uniqueness constraint rejected the write (e.g. correlation id)
//   - ErrReferenced: the row is still referenced and cannot be removed
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrReferenced = errors.New("still referenced")
)
