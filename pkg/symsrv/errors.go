package symsrv

import (
	"errors"
	"fmt"
)

type notFoundError struct {
	key string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("debug file not found: %s", e.key)
}

// IsNotFound reports whether err means the symbol server (or local store)
// definitively does not have the file, as opposed to a transient failure.
func IsNotFound(err error) bool {
	var notFound notFoundError
	return errors.As(err, &notFound)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.statusCode, e.body)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}

// isRetryable reports whether a fetch failure is worth another attempt.
// Client errors are final; server errors and transport failures are not.
func isRetryable(err error) bool {
	if code, ok := isHTTPStatusError(err); ok {
		return code >= 500 || code == 429
	}
	return true
}
