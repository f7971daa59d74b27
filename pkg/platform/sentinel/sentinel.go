package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: record does not exist or is soft-deleted
//   - ErrConflict: a concurrent writer won (unique violation, serialization
//     failure, deadlock, or a primary demoted underneath us)
//   - ErrUnavailable: backend temporarily unavailable (busy, lock not acquired,
//     connection lost)
//
// Conflict and unavailable are transient; callers may retry.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)

// IsTransient reports whether err carries a fact worth one retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}
