package types

import "errors"

// Error taxonomy shared by every pdm package.
//
// Callers check these with errors.Is:
//
//	if errors.Is(err, types.ErrAlreadyExists) {
//	    // pick another adapter name
//	}
var (
	// ErrInvalidArgument is returned for absent required objects or malformed names and payloads.
	ErrInvalidArgument = errors.New("pdm: invalid argument")

	// ErrAlreadyExists is returned when registering an adapter whose name is taken.
	ErrAlreadyExists = errors.New("pdm: already exists")

	// ErrNotFound is returned for lookup misses by handle, ID or name.
	ErrNotFound = errors.New("pdm: not found")

	// ErrOutOfIDs is returned when an identifier range is exhausted.
	ErrOutOfIDs = errors.New("pdm: out of ids")

	// ErrUnsupported is returned for control commands an adapter does not implement.
	ErrUnsupported = errors.New("pdm: unsupported")

	// ErrResourceUnavailable is returned when acquiring an object that is being destroyed.
	ErrResourceUnavailable = errors.New("pdm: resource unavailable")
)
