package symmap

import (
	"errors"
	"fmt"
)

// IdentityMismatchError is returned when a companion debug file loads
// successfully but its identity differs from the binary's. Both identities
// travel with the error; the mismatch is never silently accepted.
type IdentityMismatchError struct {
	Binary    DebugID
	DebugFile DebugID
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("debug file identity %s does not match binary identity %s",
		e.DebugFile, e.Binary)
}

// NoDebugReferenceError is returned when a binary has no embedded pointer to
// external debug info.
type NoDebugReferenceError struct {
	Location string
}

func (e *NoDebugReferenceError) Error() string {
	return fmt.Sprintf("no debug info reference in binary %s", e.Location)
}

// PathEncodingError is returned when a recorded debug-file path is not
// valid text.
type PathEncodingError struct {
	Location string
}

func (e *PathEncodingError) Error() string {
	return fmt.Sprintf("debug file path in binary %s is not valid UTF-8", e.Location)
}

// MalformedContainerError wraps a parse failure of a binary or debug file.
type MalformedContainerError struct {
	Format string
	Err    error
}

func (e *MalformedContainerError) Error() string {
	return fmt.Sprintf("malformed %s container: %v", e.Format, e.Err)
}

func (e *MalformedContainerError) Unwrap() error { return e.Err }

// HelperError wraps a refusal or failure of the external location-resolution
// or byte-loading collaborator.
type HelperError struct {
	Op   string // "resolve" or "load"
	Path string
	Err  error
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("helper failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *HelperError) Unwrap() error { return e.Err }

// IsIdentityMismatch reports whether err is an identity-mismatch failure.
func IsIdentityMismatch(err error) bool {
	var mismatch *IdentityMismatchError
	return errors.As(err, &mismatch)
}
