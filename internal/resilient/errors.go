package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a provider failure and decides whether it is retried.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindServer          Kind = "server_error"
	KindClient          Kind = "client_error"
	KindNetwork         Kind = "network_error"
	KindUnauthenticated Kind = "unauthenticated"
)

// Retryable reports whether a call failing with this kind may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified provider error.
type Error struct {
	Kind       Kind
	Action     string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Action != "" {
		msg = e.Action + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns err as a classified error, inferring the kind when err was not classified at the source.
// Unrecognized errors are treated as ServerError.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindNetwork, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return New(KindNetwork, err)
	}

	return New(KindServer, err)
}

// KindOf returns the classified kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// FromStatus classifies an HTTP response status. It returns nil for 2xx/3xx.
func FromStatus(status int, body string) *Error {
	if status < 400 {
		return nil
	}

	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthenticated
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusTooManyRequests:
		kind = KindServer
	case status >= 500:
		kind = KindServer
	default:
		kind = KindClient
	}

	return &Error{Kind: kind, StatusCode: status, Err: fmt.Errorf("provider responded %d: %s", status, body)}
}
