package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a provider call failed.
type ErrorKind int

const (
	// KindTransport is a network level failure reaching the provider.
	KindTransport ErrorKind = iota + 1
	// KindProtocol is a non-success HTTP status from the provider.
	KindProtocol
	// KindUnexpectedFormat is a success status with a body that cannot be read as a completion.
	KindUnexpectedFormat
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUnexpectedFormat:
		return "unexpected_format"
	default:
		return "unknown"
	}
}

// CallError is returned by Gateway.Call.
type CallError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("%s api network error: %v", e.Provider, e.Err)
	case KindProtocol:
		return fmt.Sprintf("%s api call failed (status %d): %s", e.Provider, e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("%s api returned an unexpected response format: %s", e.Provider, e.Detail)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a CallError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == kind
}

// ClientError reports whether the provider rejected the request with a 4xx status.
func (e *CallError) ClientError() bool {
	return e.Kind == KindProtocol && e.StatusCode >= 400 && e.StatusCode < 500
}
