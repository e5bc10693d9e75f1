package ecsquery

import "fmt"

// ErrorKind names one of the abstract error categories the query core
// surfaces at a terminal operation (spec §7).
type ErrorKind string

const (
	ErrUnregisteredComponent ErrorKind = "unregistered_component"
	ErrEmptyRequiredSet      ErrorKind = "empty_required_set"
	ErrInvalidFilterValue    ErrorKind = "invalid_filter_value"
	ErrOperatorConflict      ErrorKind = "operator_conflict"
	ErrUnsupportedOperator   ErrorKind = "unsupported_operator"
	ErrQueryTimeout          ErrorKind = "query_timeout"
	ErrDatabase              ErrorKind = "database_error"
)

// QueryError is the single error type the engine raises. It carries enough
// context for a caller to distinguish programmer error (EmptyRequiredSet)
// from data error (InvalidFilterValue) from infrastructure error
// (QueryTimeout, DatabaseError) without string-matching messages.
type QueryError struct {
	Kind          ErrorKind
	Message       string
	Component     string
	ParamIndex    int // 1-based; 0 when not applicable
	SQLPrefix     string
	Cause         error
}

func (e *QueryError) Error() string {
	switch {
	case e.Component != "":
		return fmt.Sprintf("[%s] component %q: %s", e.Kind, e.Component, e.Message)
	case e.ParamIndex > 0:
		return fmt.Sprintf("[%s] param $%d: %s", e.Kind, e.ParamIndex, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error (e.g. a driver failure) and
// returns the receiver for chaining.
func (e *QueryError) WithCause(cause error) *QueryError {
	e.Cause = cause
	return e
}

// WithSQLPrefix records the SQL assembled so far, for diagnostics when a
// failure happens before the statement is complete (empty-string rejection,
// custom filter validation).
func (e *QueryError) WithSQLPrefix(prefix string) *QueryError {
	e.SQLPrefix = prefix
	return e
}

func newQueryError(kind ErrorKind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorUnregisteredComponent reports that a component class referenced in a
// query was not found in the ComponentRegistry.
func ErrorUnregisteredComponent(name string) *QueryError {
	e := newQueryError(ErrUnregisteredComponent, "component %q is not registered", name)
	e.Component = name
	return e
}

// ErrorEmptyRequiredSet reports that CTENode was invoked with no required
// components — a programmer error, per spec §4.3.2.
func ErrorEmptyRequiredSet() *QueryError {
	return newQueryError(ErrEmptyRequiredSet, "CTE node requires at least one required component")
}

// ErrorInvalidFilterValue reports a filter value that is empty or failed a
// custom filter's validate() hook, with the offending parameter index and
// the SQL assembled so far (spec §7).
func ErrorInvalidFilterValue(paramIndex int, sqlPrefix, reason string) *QueryError {
	e := newQueryError(ErrInvalidFilterValue, "%s", reason)
	e.ParamIndex = paramIndex
	e.SQLPrefix = sqlPrefix
	return e
}

// ErrorOperatorConflict reports that a custom-filter registration collided
// with an existing registrant without a valid version upgrade.
func ErrorOperatorConflict(op string) *QueryError {
	return newQueryError(ErrOperatorConflict, "operator %q already registered by a different plugin at an equal or newer version", op)
}

// ErrorUnsupportedOperator reports that OrNode (or ComponentInclusionNode)
// encountered an operator with no builtin handling and no registered custom
// builder.
func ErrorUnsupportedOperator(op string) *QueryError {
	return newQueryError(ErrUnsupportedOperator, "operator %q is not supported and no custom filter builder is registered for it", op)
}

// ErrorQueryTimeout reports that a terminal operation exceeded its budget.
func ErrorQueryTimeout(budget string) *QueryError {
	return newQueryError(ErrQueryTimeout, "query exceeded the %s execution budget", budget)
}

// ErrorDatabase wraps a driver-level failure, propagated as-is with the SQL
// prefix attached for diagnostics.
func ErrorDatabase(sqlPrefix string, cause error) *QueryError {
	e := newQueryError(ErrDatabase, "database error: %v", cause)
	e.SQLPrefix = sqlPrefix
	e.Cause = cause
	return e
}
