package errorcodes

import (
	"errors"
	"fmt"
)

// Kind classifies the failures surfaced by the key derivation engine, the
// policy compiler and the descriptor decoder.
type Kind uint8

const (
	// InvalidMasterKey is returned when the master key string cannot be
	// decoded as an extended key.
	InvalidMasterKey Kind = iota

	// InvalidDerivationPath is returned when a purpose, account or path
	// string does not describe a valid derivation path.
	InvalidDerivationPath

	// DerivationFailed is returned when a child key could not be derived
	// even though its inputs were well formed.
	DerivationFailed

	// InvalidPolicy is returned when policy text fails to parse or names
	// an out of range threshold or timelock.
	InvalidPolicy

	// CompileError is returned when a policy cannot be lowered into a
	// sound miniscript for the requested context.
	CompileError

	// InvalidOutputType is returned when the output type cannot wrap the
	// compiled policy, or does not match the script context.
	InvalidOutputType

	// InvalidDescriptor is returned when a descriptor string fails to
	// parse or to type check.
	InvalidDescriptor

	// UnresolvedKey is returned when a key identifier is missing from the
	// key map.
	UnresolvedKey

	// UnsupportedPolicyItem is returned when a descriptor contains a
	// fragment that has no equivalent in the satisfaction tree.
	UnsupportedPolicyItem

	// InvalidSpendingPath is returned when a spending path selects the
	// wrong children of a threshold.
	InvalidSpendingPath

	// IncompatibleConditions is returned when two conditions mix block
	// height and time based timelocks of the same kind.
	IncompatibleConditions

	// InvalidConfig is returned when a wallet configuration is
	// incomplete.
	InvalidConfig
)

// String returns the stable code name of the kind.
func (k Kind) String() string {
	switch k {
	case InvalidMasterKey:
		return "InvalidMasterKey"
	case InvalidDerivationPath:
		return "InvalidDerivationPath"
	case DerivationFailed:
		return "DerivationFailed"
	case InvalidPolicy:
		return "InvalidPolicy"
	case CompileError:
		return "CompileError"
	case InvalidOutputType:
		return "InvalidOutputType"
	case InvalidDescriptor:
		return "InvalidDescriptor"
	case UnresolvedKey:
		return "UnresolvedKey"
	case UnsupportedPolicyItem:
		return "UnsupportedPolicyItem"
	case InvalidSpendingPath:
		return "InvalidSpendingPath"
	case IncompatibleConditions:
		return "IncompatibleConditions"
	case InvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error carries a Kind next to a human readable cause and, optionally, the
// lower level error that triggered it.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Cause describes the failure for humans.
	Cause string

	// Err is the wrapped lower level error, if any.
	Err error
}

// A compile time check to ensure Error implements the error interface.
var _ error = (*Error)(nil)

// Error returns the kind followed by the cause.
//
// NOTE: Part of the error interface.
func (e *Error) Error() string {
	switch {
	case e.Cause == "" && e.Err == nil:
		return e.Kind.String()

	case e.Err == nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)

	case e.Cause == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)

	default:
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Cause, e.Err)
	}
}

// Unwrap returns the wrapped error so errors.Is and errors.As can walk the
// chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, cause string) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf creates an error of the given kind with a formatted cause.
func Newf(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Sprintf(format, a...)}
}

// Wrap creates an error of the given kind around err. The cause may be
// empty.
func Wrap(kind Kind, err error, cause string) *Error {
	return &Error{Kind: kind, Cause: cause, Err: err}
}

// KindOf returns the kind of the first Error in the chain of err.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}

	return e.Kind, true
}

// Is returns true if err, or an error it wraps, is an Error with one of the
// given kinds.
func Is(err error, kinds ...Kind) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}

	for _, k := range kinds {
		if kind == k {
			return true
		}
	}

	return false
}
