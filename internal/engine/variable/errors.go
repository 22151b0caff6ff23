package variable

import (
	"fmt"
	"strings"
)

// NotFoundError reports a read or write against an unregistered id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("variable %q not registered", e.ID)
}

// InvalidValueError reports a value that cannot be coerced to the
// variable's declared type.
type InvalidValueError struct {
	ID    string
	Type  string
	Value any
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("variable %q: value %v is not a valid %s", e.ID, e.Value, e.Type)
}

// CircularDependencyError reports a formula cycle. Evaluation returns this
// as a typed result instead of recursing; it never manifests as a stack
// overflow.
type CircularDependencyError struct {
	ID   string
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency on %q: %s", e.ID, strings.Join(e.Path, " -> "))
}

// DuplicateError reports a second registration of an id.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("variable %q already registered", e.ID)
}

// ParseError wraps a formula that failed to compile.
type ParseError struct {
	Formula string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("formula %q: %v", e.Formula, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
