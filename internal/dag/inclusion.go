package dag

import (
	"fmt"
	"strings"

	"github.com/entityql/ecsquery/internal/sqlbuilder"
)

// RequiredComponent is one required type-id together with the emitter for
// its filters, if any. A nil Emitter means "no filters for this type" —
// membership alone is enough.
type RequiredComponent struct {
	TypeID  int32
	Emitter ComponentFilterEmitter // nil when this component has no filters
}

// ComponentInclusionNode filters the entity set by required/excluded
// type-ids and per-component filters (spec §4.3.3). When the DAG has no
// CTE, this node is also the leaf and so absorbs the same entity-level
// restrictions (withId, excluded entities, cursor, sort, pagination) that
// SourceNode would otherwise apply — see the seed scenario where
// `with(C1)` alone never produces a separate "FROM entities" wrapper.
type ComponentInclusionNode struct {
	Required []RequiredComponent
	Excluded []int32

	// UsesCTE routes this node to read from the CTE's entity set via
	// correlated EXISTS probes instead of scanning entity_components
	// directly. Set by the planner, mirroring ctx.HasCTE.
	UsesCTE bool
	CTEName string

	// Sort, when non-nil, produces the ORDER BY term; nil means sort by
	// the node's own entity-id column.
	Sort SortEmitter

	// Pagination is applied only when this node has no CTE ancestor (it
	// is acting as the leaf in place of SourceNode). When UsesCTE is
	// true, pagination already happened inside the CTE body.
	Pagination PaginationSpec
}

func (n *ComponentInclusionNode) Type() string { return "component_inclusion" }

func (n *ComponentInclusionNode) Execute(ctx *ExecContext) (string, error) {
	if n.UsesCTE {
		return n.executeAgainstCTE(ctx)
	}
	return n.executeFlat(ctx)
}

// executeFlat scans entity_components directly: this is the shape used
// when the CTE-activation heuristic did not trigger (spec §4.3.3's "flat"
// path), and it also plays the role of the DAG leaf, folding in the same
// entity-level restrictions SourceNode applies.
func (n *ComponentInclusionNode) executeFlat(ctx *ExecContext) (string, error) {
	var joins []string
	var where []string

	if len(n.Required) == 0 {
		// Exclusions only (Without with no With): scan entities directly,
		// the same base set SourceNode would produce, absorbing the
		// exclusion/entity-level constraints SourceNode would otherwise
		// carry since this node is acting as the leaf.
		where = append(where, "e.deleted_at IS NULL")
		n.appendExclusions(ctx, &joins, &where, "e.id")
		n.appendEntityConstraints(ctx, &where, "e.id")
		sql := "SELECT e.id as id FROM entities e" + joinClauseText(joins) +
			" WHERE " + strings.Join(where, " AND ")
		tail, err := n.orderAndPaginate(ctx, "e.id", "e")
		if err != nil {
			return "", err
		}
		return sql + tail, nil
	}

	if len(n.Required) == 1 && n.Required[0].Emitter == nil {
		// Single required type, no filters: spec §4.3.3's simplest shape.
		idx := ctx.AddParam(n.Required[0].TypeID)
		where = append(where, fmt.Sprintf("ec.type_id = $%d", idx))
		where = append(where, "ec.deleted_at IS NULL")
		n.appendExclusions(ctx, &joins, &where, "ec.entity_id")
		n.appendEntityConstraints(ctx, &where, "ec.entity_id")
		sql := "SELECT DISTINCT ec.entity_id as id FROM entity_components ec" +
			joinClauseText(joins) +
			" WHERE " + strings.Join(where, " AND ")
		tail, err := n.orderAndPaginate(ctx, "ec.entity_id", "ec")
		if err != nil {
			return "", err
		}
		return sql + tail, nil
	}

	ids := make([]string, len(n.Required))
	for i, rc := range n.Required {
		ids[i] = fmt.Sprintf("$%d", ctx.AddParam(rc.TypeID))
	}
	where = append(where, fmt.Sprintf("ec.type_id IN (%s)", strings.Join(ids, ", ")))
	where = append(where, "ec.deleted_at IS NULL")

	n.appendExclusions(ctx, &joins, &where, "ec.entity_id")
	n.appendEntityConstraints(ctx, &where, "ec.entity_id")

	for _, rc := range n.Required {
		if rc.Emitter == nil {
			continue
		}
		js, predicate, err := rc.Emitter("ec")
		if err != nil {
			return "", err
		}
		joins = append(joins, js...)
		if predicate != "" {
			where = append(where, predicate)
		}
	}

	sql := "SELECT ec.entity_id as id FROM entity_components ec" + joinClauseText(joins) +
		" WHERE " + strings.Join(where, " AND ")

	if len(n.Required) > 1 {
		sql += fmt.Sprintf(" GROUP BY ec.entity_id HAVING COUNT(DISTINCT ec.type_id) = %d", len(n.Required))
	}
	tail, err := n.orderAndPaginate(ctx, "ec.entity_id", "ec")
	if err != nil {
		return "", err
	}
	return sql + tail, nil
}

// executeAgainstCTE probes a previously narrowed `base_entities` set
// (spec §4.3.3: "N correlated EXISTS probes ... keyed on the CTE's
// entity_id"). Membership in the required set was already enforced by the
// CTE body, so only the per-filter predicates are re-checked here.
func (n *ComponentInclusionNode) executeAgainstCTE(ctx *ExecContext) (string, error) {
	cteName := n.CTEName
	if cteName == "" {
		cteName = "base_entities"
	}

	b := sqlbuilder.New(cteName+" be", "be.entity_id as id")

	for _, rc := range n.Required {
		if rc.Emitter == nil {
			continue
		}
		js, predicate, err := rc.Emitter("be")
		if err != nil {
			return "", err
		}
		for _, j := range js {
			b.Join(j)
		}
		b.Where(predicate)
	}

	var entityWhere []string
	n.appendEntityConstraints(ctx, &entityWhere, "be.entity_id")
	for _, w := range entityWhere {
		b.Where(w)
	}

	order, err := n.orderTerm(ctx, "be.entity_id", "be")
	if err != nil {
		return "", err
	}
	b.OrderBy(order)

	// Pagination already happened inside the CTE body; no LIMIT/OFFSET here.
	return b.String(), nil
}

func (n *ComponentInclusionNode) appendExclusions(ctx *ExecContext, joins *[]string, where *[]string, entityCol string) {
	for _, typeID := range n.Excluded {
		idx := ctx.AddParam(typeID)
		*where = append(*where, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM entity_components ec_exc WHERE ec_exc.entity_id = %s AND ec_exc.type_id = $%d AND ec_exc.deleted_at IS NULL)",
			entityCol, idx,
		))
	}
}

func (n *ComponentInclusionNode) appendEntityConstraints(ctx *ExecContext, where *[]string, entityCol string) {
	if n.Pagination.WithID != nil {
		idx := ctx.AddParam(*n.Pagination.WithID)
		*where = append(*where, fmt.Sprintf("%s = $%d", entityCol, idx))
	}
	if len(n.Pagination.ExcludedEntityIDs) > 0 {
		ph := make([]string, len(n.Pagination.ExcludedEntityIDs))
		for i, id := range n.Pagination.ExcludedEntityIDs {
			ph[i] = fmt.Sprintf("$%d", ctx.AddParam(id))
		}
		*where = append(*where, fmt.Sprintf("%s NOT IN (%s)", entityCol, strings.Join(ph, ", ")))
	}
	desc := n.Pagination.CursorDirection == "before"
	if n.Pagination.CursorID != nil {
		idx := ctx.AddParam(*n.Pagination.CursorID)
		op := ">"
		if desc {
			op = "<"
		}
		*where = append(*where, fmt.Sprintf("%s %s $%d", entityCol, op, idx))
	}
}

// orderAndPaginate is only used by the flat path (executeAgainstCTE
// assembles its own ORDER BY via sqlbuilder.Builder and never applies
// LIMIT/OFFSET, since pagination already happened inside the CTE body).
func (n *ComponentInclusionNode) orderAndPaginate(ctx *ExecContext, defaultOrderCol, alias string) (string, error) {
	order, err := n.orderTerm(ctx, defaultOrderCol, alias)
	if err != nil {
		return "", err
	}
	return " ORDER BY " + order + renderLimitOffset(ctx, n.Pagination), nil
}

// orderTerm produces the bare ORDER BY term (no "ORDER BY" keyword, no
// LIMIT/OFFSET), shared by both the flat path and the CTE-backed path — the
// latter assembles its SQL with sqlbuilder.Builder, which appends its own
// "ORDER BY" keyword.
func (n *ComponentInclusionNode) orderTerm(ctx *ExecContext, defaultOrderCol, alias string) (string, error) {
	desc := n.Pagination.CursorDirection == "before"
	if n.Sort != nil {
		// Sort receives the same fully-qualified entity column the default
		// order would use ("ec.entity_id"/"be.entity_id"), not the bare
		// table alias, so a correlated subquery it builds can reference the
		// current row's entity id directly.
		o, err := n.Sort(defaultOrderCol)
		if err != nil {
			return "", err
		}
		if o != "" {
			return o, nil
		}
	}
	// Default order is the bare entity-id column; ASC is Postgres's implicit
	// default so it is only spelled out for DESC (cursor "before" pagination).
	order := defaultOrderCol
	if desc {
		order += " DESC"
	}
	return order, nil
}

func joinClauseText(joins []string) string {
	if len(joins) == 0 {
		return ""
	}
	return " " + strings.Join(joins, " ")
}
