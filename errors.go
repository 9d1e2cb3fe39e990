package authz

import "errors"

var (
	// ErrResourceNotFound marks a missing resource. Store implementations
	// return it (possibly wrapped) from FetchResource when no row matches;
	// the engine maps it to OutcomeNotFound.
	ErrResourceNotFound = errors.New("authz: resource not found")

	// ErrUnknownClass is returned when a check names a resource class the
	// registry does not contain.
	ErrUnknownClass = errors.New("authz: unknown resource class")
)
