package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure surfaced by the aggregator. Exactly one kind is
// reported per failed operation.
type Kind string

const (
	// KindInvalidArgument means the caller supplied malformed input.
	KindInvalidArgument Kind = "invalid_argument"

	// KindNotFound means the referenced downstream or tool does not exist in
	// the current profile or index.
	KindNotFound Kind = "not_found"

	// KindUnavailable means the downstream is in cooldown or currently
	// unreachable. The fault carries a retry hint.
	KindUnavailable Kind = "unavailable"

	// KindTimeout means a deadline was exceeded while awaiting a downstream reply.
	KindTimeout Kind = "timeout"

	// KindUpstream means the downstream returned a structured error or the
	// transport failed non-transiently. The original payload is preserved.
	KindUpstream Kind = "upstream"

	// KindNeedsConfirmation means the confirmation gate intercepted a mutating
	// call and elicitation is required before it can proceed.
	KindNeedsConfirmation Kind = "needs_confirmation"

	// KindFatal means a configuration or integrity violation prevents further
	// progress.
	KindFatal Kind = "fatal"
)

// Fault is the error type shared by all aggregator components. It carries the
// failure kind, a human-readable message, and optional machine-readable hints.
type Fault struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration   // set for KindUnavailable
	Payload    json.RawMessage // preserved downstream error payload, if any
	Err        error           // wrapped cause
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Faultf builds a Fault of the given kind with a formatted message.
func Faultf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf builds an invalid-argument fault.
func InvalidArgumentf(format string, args ...any) *Fault {
	return Faultf(KindInvalidArgument, format, args...)
}

// NotFoundf builds a not-found fault.
func NotFoundf(format string, args ...any) *Fault {
	return Faultf(KindNotFound, format, args...)
}

// Unavailablef builds an unavailable fault with a retry hint.
func Unavailablef(retryAfter time.Duration, format string, args ...any) *Fault {
	f := Faultf(KindUnavailable, format, args...)
	f.RetryAfter = retryAfter
	return f
}

// Timeoutf builds a timeout fault.
func Timeoutf(format string, args ...any) *Fault {
	return Faultf(KindTimeout, format, args...)
}

// Upstreamf builds an upstream fault wrapping the transport or protocol cause.
func Upstreamf(err error, format string, args ...any) *Fault {
	f := Faultf(KindUpstream, format, args...)
	f.Err = err
	return f
}

// Fatalf builds a fatal fault.
func Fatalf(format string, args ...any) *Fault {
	return Faultf(KindFatal, format, args...)
}

// KindOf extracts the failure kind from an error. Errors that are not Faults
// are reported as KindUpstream, since they can only originate from a
// downstream or transport boundary.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUpstream
}

// AsFault returns the Fault wrapped in err, or nil.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// RetryAfterSeconds returns the retry hint of an unavailable fault in whole
// seconds, rounding up, or 0 when the error carries no hint.
func RetryAfterSeconds(err error) int {
	f := AsFault(err)
	if f == nil || f.RetryAfter <= 0 {
		return 0
	}
	secs := int((f.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
