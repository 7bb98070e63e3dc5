// Package classify maps provider and transport faults to a small error
// taxonomy used by the retry engine and the health tracker.
package classify

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class is the failure category assigned to an error.
type Class string

const (
	// ClassTransient covers rate limits, 5xx responses, timeouts, and
	// network-level failures. Transient errors are retryable.
	ClassTransient Class = "transient"

	// ClassAuth covers authentication and authorization failures.
	ClassAuth Class = "auth"

	// ClassResource covers quota, billing, and context-length exhaustion.
	ClassResource Class = "resource"

	// ClassUnknown is the fallback for anything not recognized.
	ClassUnknown Class = "unknown"
)

// Error is a classified fault. It wraps the original cause so callers can
// still unwrap to the underlying error.
type Error struct {
	Class     Class  `json:"class"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("[%s/%d] %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCoder is implemented by errors carrying an HTTP status code.
// Both SDK error types used by the providers satisfy it.
type StatusCoder interface {
	StatusCode() int
}

// Coder is implemented by errors carrying a string status or syscall-style
// code such as "ECONNRESET".
type Coder interface {
	Code() string
}

// Timeouter mirrors net.Error's timeout reporting.
type Timeouter interface {
	Timeout() bool
}

// transientCodes are syscall-style codes that indicate a transient
// network-level failure.
var transientCodes = []string{
	"ECONNRESET",
	"ECONNREFUSED",
	"ECONNABORTED",
	"ETIMEDOUT",
	"EPIPE",
	"EAI_AGAIN",
	"EHOSTUNREACH",
	"ENETUNREACH",
}

// Pattern sets for message matching. Order matters: the rate-limit set is
// checked before the resource set so "rate limit exceeded ... quota" style
// messages classify as transient.
var (
	rateLimitPatterns = []string{
		"rate limit",
		"too many requests",
	}
	resourcePatterns = []string{
		"quota exceeded",
		"token length exceeded",
		"context length exceeded",
		"maximum context length",
		"billing",
		"insufficient_quota",
		"budget",
		"credit",
		"too many tokens",
		"max_tokens",
	}
	authPatterns = []string{
		"unauthorized",
		"invalid api key",
		"invalid x-api-key",
		"authentication failed",
		"authentication_error",
		"forbidden",
		"permission denied",
		"access denied",
	}
	transientPatterns = []string{
		"timeout",
		"timed out",
		"network error",
		"socket hang up",
		"fetch failed",
		"server error",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"overloaded",
	}
)

// Classify assigns a Class and retryable flag to err. A nil err returns nil.
// An already-classified error is returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	// 1. Numeric HTTP status, when the error carries one.
	var sc StatusCoder
	if errors.As(err, &sc) {
		if ce := classifyStatus(sc.StatusCode(), err); ce != nil {
			return ce
		}
	}

	msg := err.Error()

	// 2. Syscall-style codes, either via a Code() accessor or embedded in
	// the message the way Go's net errors render them.
	var coder Coder
	if errors.As(err, &coder) {
		if containsCode(coder.Code()) {
			return transient(err, 0)
		}
	}
	for _, code := range transientCodes {
		if strings.Contains(msg, code) || strings.Contains(msg, strings.ToLower(code)) {
			return transient(err, 0)
		}
	}

	// 3. Explicit timeout flag (net.Error and friends).
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(err, 0)
	}
	var to Timeouter
	if errors.As(err, &to) && to.Timeout() {
		return transient(err, 0)
	}

	// 4. Message substring matching. The rate-limit set must be evaluated
	// before the resource set.
	lower := strings.ToLower(msg)
	switch {
	case matchesAny(lower, rateLimitPatterns):
		return transient(err, 0)
	case matchesAny(lower, resourcePatterns):
		return &Error{Class: ClassResource, Message: msg, Retryable: false, Cause: err}
	case matchesAny(lower, authPatterns):
		return &Error{Class: ClassAuth, Message: msg, Retryable: false, Cause: err}
	case matchesAny(lower, transientPatterns):
		return transient(err, 0)
	}

	// 5. Unknown.
	return &Error{Class: ClassUnknown, Message: msg, Retryable: false, Cause: err}
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Retryable
}

func classifyStatus(status int, cause error) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Class: ClassAuth, Message: cause.Error(), Status: status, Retryable: false, Cause: cause}
	case status == 429:
		return transient(cause, status)
	case status >= 500 && status <= 599:
		return transient(cause, status)
	}
	return nil
}

func transient(cause error, status int) *Error {
	return &Error{Class: ClassTransient, Message: cause.Error(), Status: status, Retryable: true, Cause: cause}
}

func containsCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range transientCodes {
		if c == code {
			return true
		}
	}
	return false
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
