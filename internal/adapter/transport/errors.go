package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a terminal transport failure.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindConnectionFailed
	KindHTTPStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection failed"
	case KindHTTPStatus:
		return "http status"
	}
	return "unknown"
}

// Error is returned once the retry policy gives up on a request.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("http status %d after %d attempt(s)", e.StatusCode, e.Attempts)
	default:
		return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindHTTPStatus {
		return te.StatusCode
	}
	return 0
}
