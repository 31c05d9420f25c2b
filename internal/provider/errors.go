package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
)

type class int

const (
	classPermanent class = iota + 1
	classRetryable
)

type classifiedError struct {
	err   error
	class class
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Permanent marks err as a caller-side failure (unsupported or malformed
// input). Permanent errors are never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: classPermanent}
}

// Retryable marks err as transient, e.g. resource exhaustion upstream.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: classRetryable}
}

func IsPermanent(err error) bool { return classOf(err) == classPermanent }
func IsRetryable(err error) bool { return classOf(err) == classRetryable }

func classOf(err error) class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return 0
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify wraps err according to the HTTP status it carries, if any.
// A transport failure (refused connection, reset, DNS) is retryable;
// cancellation and deadlines are left to the caller. Other errors are
// returned as is.
func Classify(err error) error {
	if err == nil || classOf(err) != 0 {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sc statusCoder
	if !errors.As(err, &sc) {
		var ue *url.Error
		var ne net.Error
		if errors.As(err, &ue) || errors.As(err, &ne) {
			return Retryable(err)
		}
		return err
	}
	switch sc.StatusCode() {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return Permanent(err)
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Retryable(err)
	}
	return err
}
