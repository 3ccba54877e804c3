package weather

import (
	"errors"
	"fmt"
)

// The collector classifies every failure into one of five kinds. The fetch side
// produces NotFoundError, TransientServiceError and MalformedResponseError; the
// publish side produces StorageUnavailableError and WriteConflictError. Only the
// transient kinds are worth retrying with the same input.

// NotFoundError means the weather API does not know the requested location.
type NotFoundError struct {
	Location string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("location %q not found", e.Location)
}

// TransientServiceError covers timeouts, connection failures, rate limiting and
// 5xx responses. The caller may retry.
type TransientServiceError struct {
	Op  string
	Err error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s: transient service failure: %v", e.Op, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// MalformedResponseError means the API responded but the payload could not be
// turned into a valid Record (missing or ill-typed required fields).
type MalformedResponseError struct {
	Field string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed response: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StorageUnavailableError covers object-store connectivity and authorization
// failures. The caller may retry.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// WriteConflictError is returned in immutable-storage mode when the target key
// already holds a different document.
type WriteConflictError struct {
	Key string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("key %q already exists with different content", e.Key)
}

// Kind names the taxonomy bucket an error belongs to, or "" for errors outside
// the taxonomy (context cancellation, programming errors).
func Kind(err error) string {
	var (
		nf *NotFoundError
		ts *TransientServiceError
		mr *MalformedResponseError
		su *StorageUnavailableError
		wc *WriteConflictError
	)
	switch {
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &ts):
		return "transient_service"
	case errors.As(err, &mr):
		return "malformed_response"
	case errors.As(err, &su):
		return "storage_unavailable"
	case errors.As(err, &wc):
		return "write_conflict"
	default:
		return ""
	}
}

// Stage names the pipeline stage that produced the error.
func Stage(err error) string {
	switch Kind(err) {
	case "not_found", "transient_service", "malformed_response":
		return "fetch"
	case "storage_unavailable", "write_conflict":
		return "publish"
	default:
		return "pipeline"
	}
}
