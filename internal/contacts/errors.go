package contacts

import (
	"errors"
	"fmt"
)

// Error kinds. Every ServiceError wraps exactly one of these so callers can branch with errors.Is.
var (
	// ErrValidation marks input that is missing an identifying field or is malformed.
	ErrValidation = errors.New("contacts: validation failed")
	// ErrNotFound marks a contact that does not exist for the requesting user.
	ErrNotFound = errors.New("contacts: not found")
	// ErrConflict marks an unexpected uniqueness violation.
	ErrConflict = errors.New("contacts: conflict")
	// ErrUpstreamFetch marks a failed enrichment fetch such as an image mirror.
	ErrUpstreamFetch = errors.New("contacts: upstream fetch failed")
	// ErrPersistence marks a storage failure. Retrying the whole call is safe.
	ErrPersistence = errors.New("contacts: persistence failed")
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingIdentity   = errors.New("a name or a profile handle is required")
	errUnknownPlatform   = errors.New("unsupported profile platform")
	errUnrecognizedURL   = errors.New("profile url does not contain a username")
	errEmptyNote         = errors.New("note body is required")
	errMissingTimestamp  = errors.New("timestamp is required")
	errMissingName       = errors.New("display name is required")
)

// ServiceError carries a stable "operation.reason" code, an error kind and the cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

// NewServiceError builds a ServiceError coded as operation.reason.
func NewServiceError(operation, reason string, kind, cause error) error {
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code surfaced to clients.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error kind sentinel.
func (e *ServiceError) Kind() error {
	return e.kind
}

// ErrorCode extracts the ServiceError code from err, if any.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
