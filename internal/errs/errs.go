// Package errs classifies daemon errors into the recoverability kinds the
// rest of the system branches on: fatal-at-startup, recoverable-and-retried,
// degrades-to-empty, per-connection, or merely logged.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the recoverability class of an error.
type Kind int

const (
	// KindInternal is logged and the triggering event is dropped.
	KindInternal Kind = iota
	// KindConfig is fatal at startup.
	KindConfig
	// KindBind is fatal at startup.
	KindBind
	// KindBus is recoverable: the subscriber retries with backoff.
	KindBus
	// KindDatabase is recoverable: the mapping store degrades to empty sets.
	KindDatabase
	// KindHostApi affects a single authentication attempt only.
	KindHostApi
	// KindProtocol closes a single connection.
	KindProtocol
	// KindAuth closes a single connection.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBind:
		return "bind"
	case KindBus:
		return "bus"
	case KindDatabase:
		return "database"
	case KindHostApi:
		return "host_api"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	default:
		return "internal"
	}
}

// Fatal reports whether an error of this kind must abort startup.
func (k Kind) Fatal() bool {
	return k == KindConfig || k == KindBind
}

// Error wraps an underlying error with a Kind so callers can branch on
// recoverability without string matching, mirroring the discriminated
// error enum of the original implementation's error module.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify extracts the Kind carried by err, defaulting to KindInternal
// when err was not produced by this package.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
