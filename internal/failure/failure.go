// Package failure provides the error taxonomy shared by every component of
// the adapter. Every error that crosses a component boundary is either a
// *failure.Error carrying one of the Kinds below, or is wrapped into one
// before it reaches the RPC layer, so the mux never has to string-sniff an
// error message to decide which JSON-RPC code to return.
package failure

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies an error along the taxonomy used throughout the adapter.
type Kind int

const (
	// KindInternal is the zero value: an unclassified error, mapped to
	// JSON-RPC -32603.
	KindInternal Kind = iota
	// KindValidation is a bad or out-of-range parameter, mapped to -32602.
	KindValidation
	// KindMethodNotFound is an unknown JSON-RPC method, mapped to -32601.
	KindMethodNotFound
	// KindProtocol is a missing capability or contract violation, mapped
	// to -32603 with a descriptive message.
	KindProtocol
	// KindPermission is a user- or auto-rejected action. Handlers return
	// this as a structured result; it never surfaces as a JSON-RPC error.
	KindPermission
	// KindTransient is a retry-eligible I/O failure.
	KindTransient
	// KindFatal is a transport- or process-level failure that should tear
	// down the adapter.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMethodNotFound:
		return "method_not_found"
	case KindProtocol:
		return "protocol"
	case KindPermission:
		return "permission"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "internal"
	}
}

// RPCCode returns the JSON-RPC 2.0 error code associated with the kind.
func (k Kind) RPCCode() int {
	switch k {
	case KindValidation:
		return -32602
	case KindMethodNotFound:
		return -32601
	default:
		return -32603
	}
}

// Error is the concrete error type produced by New/Wrapf. It stamps the
// call site the way the upstream assistant's own error helpers do, and
// additionally carries a Kind so callers never need to pattern-match on
// the message text.
type Error struct {
	Kind  Kind
	msg   string
	cause error
	site  string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.site, e.msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.site, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// New creates a KindInternal error with a formatted message and the
// caller's file:line.
func New(format string, a ...interface{}) error {
	return &Error{Kind: KindInternal, msg: fmt.Sprintf(format, a...), site: callSite(1)}
}

// Newf creates an error of the given kind with a formatted message and the
// caller's file:line.
func Newf(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, a...), site: callSite(1)}
}

// Wrapf wraps err with additional context, preserving no particular kind
// (KindInternal) unless the caller uses WrapfKind.
func Wrapf(err error, format string, a ...interface{}) error {
	return &Error{Kind: KindInternal, msg: fmt.Sprintf(format, a...), cause: err, site: callSite(1)}
}

// WrapfKind wraps err with additional context and an explicit kind.
func WrapfKind(kind Kind, err error, format string, a ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, a...), cause: err, site: callSite(1)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that were never constructed through this package.
func KindOf(err error) Kind {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return KindInternal
	}
	return fe.Kind
}
