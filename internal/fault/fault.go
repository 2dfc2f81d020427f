// Package fault implements this module's error taxonomy: most kinds are
// local (logged and returned to the caller), two are fatal (logged at
// ERROR and the process is aborted), mirroring machine_bus.go's treatment
// of unreachable states, e.g. its panic on post-start IO mapping.
package fault

import (
	"fmt"
	"log/slog"
)

// Kind classifies an error.
type Kind int

const (
	InvalidInput Kind = iota
	NotFound
	NotReady
	SdkFailure
	NotImplemented
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case NotReady:
		return "NotReady"
	case SdkFailure:
		return "SdkFailure"
	case NotImplemented:
		return "NotImplemented"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// IsFatal reports whether kind's policy is "log ERROR, abort process"
// rather than "return to caller".
func (k Kind) IsFatal() bool {
	return k == NotImplemented || k == Internal
}

// Error wraps an underlying cause with its taxonomy kind and the component
// that raised it.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a local (non-fatal) taxonomy error and logs it at WARN,
// matching "Local: return; log at WARN level" policy for
// InvalidInput (and the lighter "Local: return" policy for the others,
// which still benefit from a breadcrumb at the same level).
func New(logger *slog.Logger, kind Kind, component string, err error) *Error {
	e := &Error{Kind: kind, Component: component, Err: err}
	if logger != nil {
		logger.Warn("component error", slog.String("component", component), slog.String("kind", kind.String()), slog.String("error", err.Error()))
	}
	return e
}

// Fatal logs at ERROR and aborts the process, for the two taxonomy kinds
// marks as programming bugs rather than recoverable conditions.
func Fatal(logger *slog.Logger, kind Kind, component string, err error) {
	if logger != nil {
		logger.Error("fatal component error", slog.String("component", component), slog.String("kind", kind.String()), slog.String("error", err.Error()))
	}
	panic(fmt.Sprintf("%s: %s: %v", component, kind, err))
}
