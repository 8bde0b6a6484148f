package memory

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ServiceError is a non-2xx response from the memory service.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("memory service returned %d: %s", e.StatusCode, e.Message)
}

// IsFatal classifies an indexing error. Fatal errors indicate a systemic
// outage of the memory service: server-side 5xx responses and connection
// failures. Retrying locally cannot fix them, so the worker must exit
// non-zero and let the manager kill its peers. Everything else is a soft
// per-turn failure.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne *net.OpError
	if errors.As(err, &ne) {
		return true
	}

	// Transport errors from clients that don't surface typed causes.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "internal server error")
}
