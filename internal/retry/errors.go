package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrExhaustedRetries is matched by the error returned once every
	// attempt of a retryable operation has failed.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrFatal marks an error that must not be retried.
	ErrFatal = errors.New("fatal remote error")

	// ErrEmptyPayload reports a call that succeeded but returned nothing usable.
	// It is retried like a transient failure.
	ErrEmptyPayload = errors.New("empty payload")
)

// Class is the retry classification of an error.
type Class int

const (
	ClassFatal Class = iota
	ClassRetryable
	ClassEmptyPayload
	// ClassUnknown matched no rule. It is not retried, and unlike ClassFatal
	// it does not abort work that can skip the failed item.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassEmptyPayload:
		return "empty_payload"
	case ClassUnknown:
		return "unknown"
	default:
		return "fatal"
	}
}

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool {
	return c == ClassRetryable || c == ClassEmptyPayload
}

// StatusError carries an HTTP status code from a remote service so it can be
// classified without string matching.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned after the final failed attempt of a retryable
// operation. It matches ErrExhaustedRetries and unwraps to the last cause.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts failed: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Last}
}

// FatalError is returned when an operation failed with a non-retryable error.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}

// MarkFatal wraps err so Classify treats it as fatal.
func MarkFatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err should abort the surrounding work.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

var (
	retryableStatus = regexp.MustCompile(`\b(429|500|502|503|504|529)\b`)
	fatalStatus     = regexp.MustCompile(`\b(400|401|403|404|413|422)\b`)

	fatalHints = []string{
		"invalid api key",
		"invalid x-api-key",
		"incorrect api key",
		"unauthorized",
		"authentication",
		"permission denied",
		"forbidden",
		"credit balance",
		"billing",
		"quota exceeded",
		"insufficient_quota",
		"invalid_request_error",
		"bad request",
		"malformed",
	}

	retryableHints = []string{
		"too many requests",
		"rate limit",
		"rate_limit",
		"overloaded",
		"timed out",
		"timeout",
		"deadline exceeded",
		"temporarily unavailable",
		"service unavailable",
		"bad gateway",
		"internal server error",
		"connection reset",
		"connection refused",
		"broken pipe",
		"network is unreachable",
		"unexpected eof",
		"index.lock",
	}
)

// Classify decides whether err is worth another attempt.
// Errors matching no rule are ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, ErrEmptyPayload) {
		return ClassEmptyPayload
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	text := strings.ToLower(err.Error())
	for _, h := range fatalHints {
		if strings.Contains(text, h) {
			return ClassFatal
		}
	}
	for _, h := range retryableHints {
		if strings.Contains(text, h) {
			return ClassRetryable
		}
	}
	if retryableStatus.MatchString(text) {
		return ClassRetryable
	}
	if fatalStatus.MatchString(text) {
		return ClassFatal
	}
	return ClassUnknown
}

func classifyStatus(code int) Class {
	switch {
	case code == 408 || code == 429:
		return ClassRetryable
	case code >= 500:
		return ClassRetryable
	default:
		return ClassFatal
	}
}
