// Package dag implements the query-planning node family: a small, closed
// set of node kinds (Source, CTE, ComponentInclusion, Or) that each emit a
// SQL fragment against a shared execution context. QueryDAG runs them as an
// optional CTE prelude followed by a single leaf node.
//
// This package has no dependency on the public ecsquery API. Callers that
// need filter-specific SQL (JSON path extraction, custom operator dispatch)
// pass it down as a ComponentFilterEmitter closure, invoked at the exact
// point in assembly where its output lands in the final text — that is
// what keeps parameter placeholder numbers in left-to-right order with the
// params slice, independent of anything this package needs to know about
// filter semantics. Placeholder numbering itself is delegated to a single
// ParamAdder function supplied by the caller, so the whole query — DAG
// structural placeholders and filter-emitted placeholders alike — shares
// one counter and one params slice.
package dag

// ParamAdder binds a value and returns its 1-based placeholder position.
// Supplied by the caller (the query builder owns the actual params slice)
// so every placeholder in the final SQL, wherever it is emitted from,
// draws from one shared, strictly increasing counter.
type ParamAdder func(value any) int

// ExecContext carries the shared ParamAdder and the CTE-activation flags
// that nodes read and mutate while a DAG executes. One is created per
// query execution.
type ExecContext struct {
	addParam ParamAdder

	HasCTE                 bool
	CTEName                string
	PaginationAppliedInCTE bool
}

// NewExecContext wraps the caller's ParamAdder for use by DAG nodes.
func NewExecContext(addParam ParamAdder) *ExecContext {
	return &ExecContext{addParam: addParam}
}

// AddParam binds value and returns its 1-based placeholder position. Every
// node (and every emitter closure a node invokes) must call this for each
// "$n" it writes into its output, in the exact order the placeholders
// appear in that output, so that the k-th placeholder, scanned left to
// right across the final assembled SQL, always corresponds to the k-th
// bound parameter.
func (c *ExecContext) AddParam(value any) int {
	return c.addParam(value)
}

// ComponentFilterEmitter produces, for one required component's filter
// set against the given table alias, any LATERAL join clauses needed
// after FROM and the WHERE predicate it contributes. It is invoked by
// ComponentInclusionNode at the point its output reaches that component so
// that any placeholders it binds via the captured ExecContext land at the
// correct position in the overall parameter order.
type ComponentFilterEmitter func(alias string) (joinClauses []string, predicate string, err error)

// SortEmitter produces the ORDER BY term for a leaf node, invoked exactly
// when the node is ready to write its ORDER BY clause — after WHERE/GROUP
// BY, before LIMIT/OFFSET — so any placeholder it binds lands at the
// correct position in the overall parameter order. The argument is the
// leaf's full entity-id column ("ec.entity_id", "be.entity_id", "e.id",
// "entity_id" or "id" depending on node shape), not a bare table alias.
type SortEmitter func(alias string) (string, error)

// RequiredPredicateEmitter produces OrNode's "entity also holds every
// required component" predicate, invoked at the exact point OrNode writes
// it into the outer WHERE clause (after the branch union/collapse, before
// pagination/cursor constraints) so any placeholder it binds via ctx lands
// in the correct left-to-right position.
type RequiredPredicateEmitter func(ctx *ExecContext) (string, error)

// Node is the common interface implemented by every DAG node kind.
type Node interface {
	Execute(ctx *ExecContext) (string, error)
	Type() string
}
