// Package retry wraps every side-effecting call with error categorization,
// backoff and threshold alerting. Errors are pattern-matched into three
// categories with distinct policies; anything unrecognized is treated as a
// business error, never retried aggressively.
package retry

import (
	"context"
	"errors"
	"strings"
)

// Category of a failure.
type Category int

const (
	Retriable Category = iota // transient: backoff and try again
	Fatal                     // unrecoverable: bubble up, alert
	Business                  // carrier/domain rejection: one gentle retry, quarantine
)

func (c Category) String() string {
	switch c {
	case Retriable:
		return "retriable"
	case Fatal:
		return "fatal"
	default:
		return "business"
	}
}

// Pattern tables. Matching is case-insensitive substring; the carrier
// gateways report in both Spanish and English.
var (
	retriablePatterns = []string{
		"timeout", "timed out", "deadline exceeded",
		"network", "connection reset", "broken pipe", "eof",
		"temporarily unavailable", "service unavailable", "http 5",
		"too many requests", "rate limit",
		"saldo insuficiente", "insufficient balance",
	}
	fatalPatterns = []string{
		"driver: bad connection", "database is closed", "connection refused",
		"authentication failed", "password authentication", "permission denied",
		"no credentials", "missing required config",
	}
	businessPatterns = []string{
		"invalid sim", "sim invalido", "numero invalido",
		"sim bloqueado", "sim blocked", "suspendido",
		"duplicate", "duplicada", "transaccion repetida",
		"unsupported carrier", "carrier no soportado", "producto no disponible",
	}
)

// classifiedError pins a category onto an error regardless of its text.
type classifiedError struct {
	category Category
	err      error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// AsBusiness marks err as a business failure.
func AsBusiness(err error) error { return &classifiedError{category: Business, err: err} }

// AsFatal marks err as fatal.
func AsFatal(err error) error { return &classifiedError{category: Fatal, err: err} }

// AsRetriable marks err as transient.
func AsRetriable(err error) error { return &classifiedError{category: Retriable, err: err} }

// Classify buckets an error. Explicit markers win, then the pattern tables.
// Only explicit cancellation is Fatal here: deadline-exceeded errors fall
// through to the pattern tables, because an http.Client timeout on a carrier
// call wraps context.DeadlineExceeded and is the commonest transient failure.
// The executor separately stops retrying once the caller's own context is done.
func Classify(err error) Category {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.category
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return Fatal
		}
	}
	for _, p := range retriablePatterns {
		if strings.Contains(msg, p) {
			return Retriable
		}
	}
	for _, p := range businessPatterns {
		if strings.Contains(msg, p) {
			return Business
		}
	}
	return Business
}
