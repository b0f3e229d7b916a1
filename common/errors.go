// Package common provides the error taxonomy shared by every relay component.
package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so the control loops can pick a transition.
type ErrorKind int

const (
	KindUnknown          ErrorKind = iota // 0 - not yet classified
	KindNotFound                          // stream or target table missing
	KindInvalidReference                  // malformed database.schema.table
	KindTransport                         // broker unreachable or connection dropped
	KindTransaction                       // source read/commit failed and was rolled back
	KindApply                             // sink write failed
	KindFatal                             // unrecoverable; process should exit
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "unknown",
	KindNotFound:         "not_found",
	KindInvalidReference: "invalid_reference",
	KindTransport:        "transport",
	KindTransaction:      "transaction",
	KindApply:            "apply",
	KindFatal:            "fatal",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsRetryable reports whether the loop may retry after backing off.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindNotFound, KindTransport, KindTransaction, KindApply:
		return true
	}
	return false
}

// Sentinel errors wrapped by *Error values.
var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrTableNotFound    = errors.New("target table not found")
	ErrInvalidReference = errors.New("invalid table reference")
	ErrStreamRead       = errors.New("stream read failed")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string; %w is honored.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Unclassified errors report KindUnknown; nil reports KindUnknown as well.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
