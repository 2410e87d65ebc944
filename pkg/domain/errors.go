package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no resident or persisted version exists.
	ErrNotFound = errors.New("not found")
	// ErrInconsistent reports conflicting geometry for one time point.
	ErrInconsistent = errors.New("inconsistent geometry")
	// ErrComputeFailure reports a failed property computation.
	ErrComputeFailure = errors.New("property computation failed")
	// ErrNotAvailable is what consumers see while a property has no valid value.
	ErrNotAvailable = errors.New("property not yet available")
	// ErrCorruptArtifact reports a persisted artifact that cannot be decoded.
	ErrCorruptArtifact = errors.New("corrupt artifact")
	// ErrInvalidLink rejects lineage edges that do not move forward in time.
	ErrInvalidLink = errors.New("invalid lineage link")
	// ErrNothingToCancel is returned when only the initial step remains.
	ErrNothingToCancel = errors.New("no step to cancel")
	// ErrDimensionMismatch rejects volumes whose extents differ from the dataset.
	ErrDimensionMismatch = errors.New("volume dimensions mismatch")
	// ErrUnknownProperty is returned for property names without a registered kind.
	ErrUnknownProperty = errors.New("unknown property")
)

// NotFoundError names what was missing. It matches ErrNotFound with errors.Is.
type NotFoundError struct {
	What string
	Key  Key
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.What, e.Key)
}

// Is lets errors.Is(err, ErrNotFound) succeed.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }
