package mvsep

import (
	"errors"
	"fmt"

	"github.com/cwygoda/sepq/internal/adapter/transport"
)

// ErrorKind classifies a ClientError.
type ErrorKind int

const (
	// KindMalformedResponse means the service answered 2xx with an envelope
	// that could not be used.
	KindMalformedResponse ErrorKind = iota + 1
	// KindRejected means the service answered with an HTTP error status.
	KindRejected
	// KindTransport means no usable HTTP response was received.
	KindTransport
)

// ClientError is returned by every Client operation.
type ClientError struct {
	Endpoint   string
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ClientError) Error() string {
	switch e.Kind {
	case KindMalformedResponse:
		return fmt.Sprintf("mvsep %s: malformed response: %v", e.Endpoint, e.Err)
	case KindRejected:
		return fmt.Sprintf("mvsep %s: rejected with status %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 200))
	}
	return fmt.Sprintf("mvsep %s: %v", e.Endpoint, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a ClientError for an HTTP error status.
func IsRejected(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Kind == KindRejected
}

func wrapTransport(endpoint string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) && te.Kind == transport.KindHTTPStatus {
		return &ClientError{
			Endpoint:   endpoint,
			Kind:       KindRejected,
			StatusCode: te.StatusCode,
			Body:       string(te.Body),
			Err:        err,
		}
	}
	return &ClientError{Endpoint: endpoint, Kind: KindTransport, Err: err}
}

func malformed(endpoint string, format string, args ...any) error {
	return &ClientError{Endpoint: endpoint, Kind: KindMalformedResponse, Err: fmt.Errorf(format, args...)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
