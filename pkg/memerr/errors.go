// Package memerr defines the typed error taxonomy shared by every store and
// service in nornicmem. Errors carry a Kind (validation, not-found, state,
// persistence, transport, timeout, concurrency) plus a small context bag so
// the IPC layer can translate them into JSON-RPC error codes without
// re-parsing message strings.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from SPEC_FULL §7.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindState       Kind = "state"
	KindPersistence Kind = "persistence"
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindConcurrency Kind = "concurrency"
)

// MemError is the single error type returned by core components. Op names
// the failing operation (e.g. "vector.Insert"), Context carries arbitrary
// key/value pairs useful for a structured log line or an RPC error's data
// field (e.g. expected vs. actual dimension).
type MemError struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

func (e *MemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *MemError) Unwrap() error { return e.Err }

// With returns a copy of e with an additional context key/value pair set.
func (e *MemError) With(key string, value any) *MemError {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New builds a MemError of the given kind for operation op.
func New(kind Kind, op string, err error) *MemError {
	return &MemError{Kind: kind, Op: op, Err: err}
}

// Newf builds a MemError of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *MemError {
	return &MemError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err if it is (or wraps) a *MemError.
// It returns ("", false) for any other error, including nil.
func KindOf(err error) (Kind, bool) {
	var me *MemError
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}

// Is reports whether err is a *MemError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
