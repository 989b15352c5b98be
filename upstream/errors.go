package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind is the normalized failure taxonomy for upstream calls.
type ErrorKind string

const (
	// KindAuth: credentials rejected. Never retried.
	KindAuth ErrorKind = "auth"
	// KindTransient: network failure, timeout, 429 or 5xx. Retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindClient: any other 4xx (validation, not found). Never retried.
	KindClient ErrorKind = "client"
	// KindDecode: a 2xx whose body could not be decoded.
	KindDecode ErrorKind = "decode"
)

// Sentinels for errors.Is; every *Error matches the one for its Kind.
var (
	ErrAuthFailure = errors.New("upstream authentication failed")
	ErrTransient   = errors.New("upstream transient failure")
	ErrClient      = errors.New("upstream rejected request")
	ErrDecode      = errors.New("upstream response undecodable")
)

// Error wraps an upstream failure with its category.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream %s [%s]", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.Kind == KindAuth
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrClient:
		return e.Kind == KindClient
	case ErrDecode:
		return e.Kind == KindDecode
	}
	return false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindTransient
	}
	return false
}

func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 408 || status == 429 || status >= 500:
		return KindTransient
	default:
		return KindClient
	}
}
