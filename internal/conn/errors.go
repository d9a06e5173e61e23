package conn

import (
	"errors"
	"fmt"
)

// Kind classifies connection failures.
type Kind int

const (
	// KindConnection is a transport or connect failure.
	KindConnection Kind = iota + 1
	// KindManifestNotReady means the server never published its registration
	// within the retry budget.
	KindManifestNotReady
	// KindProtocol is a non-success status from a remote call, e.g. a rejected join.
	KindProtocol
	// KindTimeout means a call exceeded its deadline.
	KindTimeout
	// KindDisposal is a teardown failure. Always logged and swallowed.
	KindDisposal
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindManifestNotReady:
		return "manifest not ready"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindDisposal:
		return "disposal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every Connection operation.
type Error struct {
	Kind   Kind
	Op     string
	Server string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.Server + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}
