package ecsquery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/entityql/ecsquery/internal/dag"
)

// buildDAG translates the accumulated QueryContext state into a dag.QueryDAG
// per the structural planning rules of spec §4.4: an OR query wires a
// standalone OrNode (optionally guarded by a required-component predicate);
// otherwise the CTE-activation heuristic picks between a CTE-backed
// ComponentInclusionNode and a flat one.
func (q *Query) buildDAG() (*dag.QueryDAG, error) {
	if len(q.ctx.orBranches) > 0 {
		return q.buildOrDAG()
	}
	return q.buildPlainDAG()
}

// buildPlainDAG implements buildBasicQuery (spec §4.4): count total filters
// across required components; a CTE activates when that count is at least 2
// and at least one component is required, narrowing the candidate set
// before per-component filters re-check it via correlated EXISTS probes.
func (q *Query) buildPlainDAG() (*dag.QueryDAG, error) {
	required := q.ctx.RequiredComponents()
	excluded := q.ctx.ExcludedComponents()
	pagination := q.paginationSpec()

	if len(required) == 0 && len(excluded) == 0 {
		return &dag.QueryDAG{Leaf: &dag.SourceNode{Pagination: pagination}}, nil
	}

	useCTE := q.ctx.TotalFilterCount() >= 2 && len(required) >= 1

	if useCTE {
		cte := &dag.CTENode{
			Name:              "base_entities",
			RequiredTypeIDs:   required,
			ExcludedTypeIDs:   excluded,
			ExcludedEntityIDs: pagination.ExcludedEntityIDs,
			Limit:             q.ctx.limit,
			Offset:            q.ctx.offsetValue,
		}
		inclusion := &dag.ComponentInclusionNode{
			Required:   q.requiredComponentList(required),
			UsesCTE:    true,
			CTEName:    cte.Name,
			Sort:       q.sortEmitter(),
			Pagination: pagination,
		}
		return &dag.QueryDAG{CTE: cte, Leaf: inclusion}, nil
	}

	inclusion := &dag.ComponentInclusionNode{
		Required:   q.requiredComponentList(required),
		Excluded:   excluded,
		Sort:       q.sortEmitter(),
		Pagination: pagination,
	}
	return &dag.QueryDAG{Leaf: inclusion}, nil
}

// buildOrDAG wires a standalone OrNode (spec §4.3.4, §4.4): when required
// components also exist alongside the OR, a composed EXISTS predicate over
// the required set is ANDed in at the outer wrapper in place of a second
// dependent node, since an OrNode has exactly one outer wrapper to apply
// constraints at regardless of branch strategy.
func (q *Query) buildOrDAG() (*dag.QueryDAG, error) {
	required := q.ctx.RequiredComponents()
	pagination := q.paginationSpec()
	directPartition := q.cfg.DirectPartitionEligible()

	branches := make([]dag.OrBranch, len(q.ctx.orBranches))
	for i, b := range q.ctx.orBranches {
		branch := dag.OrBranch{TypeID: b.ComponentTypeID}
		if directPartition {
			table, ok := q.registry.PartitionTableName(b.ComponentTypeID)
			if !ok {
				return nil, ErrorUnregisteredComponent(fmt.Sprintf("type-id %d", b.ComponentTypeID))
			}
			branch.PartitionTable = table
		}
		if filters := b.Filters; len(filters) > 0 {
			branch.Emitter = func(alias string) ([]string, string, error) {
				cond, err := ComposeFilters(filters, alias, q.ctx, q.filters)
				if err != nil {
					return nil, "", err
				}
				return nil, cond, nil
			}
		}
		branches[i] = branch
	}

	orNode := &dag.OrNode{
		Branches:        branches,
		DirectPartition: directPartition,
		Sort:            q.sortEmitter(),
		Pagination:      pagination,
	}

	if len(required) > 0 {
		orNode.RequiredPredicate = q.requiredPredicateEmitter(required)
	}

	return &dag.QueryDAG{Leaf: orNode}, nil
}

// requiredPredicateEmitter returns a dag.RequiredPredicateEmitter composing
// one EXISTS probe per required component, ANDed together, over
// "entity_id" — the column both OrNode branch strategies expose at their
// outer wrapper (spec §4.3.4: "entity must have all required components
// AND match some branch"). Binding happens inside the returned closure,
// invoked by OrNode at the point its text is written, so these
// placeholders land after the branches' own (spec §5's left-to-right
// placeholder ordering) rather than at DAG-build time.
func (q *Query) requiredPredicateEmitter(required []int32) dag.RequiredPredicateEmitter {
	return func(ctx *dag.ExecContext) (string, error) {
		conds := make([]string, len(required))
		for i, typeID := range required {
			idx := ctx.AddParam(typeID)
			conds[i] = fmt.Sprintf(
				"EXISTS (SELECT 1 FROM entity_components req_ec WHERE req_ec.entity_id = entity_id AND req_ec.type_id = $%d AND req_ec.deleted_at IS NULL)",
				idx,
			)
		}
		return strings.Join(conds, " AND "), nil
	}
}

// requiredComponentList builds one dag.RequiredComponent per required
// type-id, attaching a filter emitter only when that component has filters
// registered against it.
func (q *Query) requiredComponentList(ids []int32) []dag.RequiredComponent {
	out := make([]dag.RequiredComponent, len(ids))
	for i, id := range ids {
		out[i] = dag.RequiredComponent{TypeID: id, Emitter: q.componentFilterEmitter(id)}
	}
	return out
}

// componentFilterEmitter returns nil when typeID has no registered filters
// (membership alone is enough, per spec §4.3.3's "no filters" shapes), and
// otherwise a closure dispatching to the EXISTS or LATERAL emission
// strategy per cfg.UseLateralJoins.
func (q *Query) componentFilterEmitter(typeID int32) dag.ComponentFilterEmitter {
	filters := q.ctx.Filters(typeID)
	if len(filters) == 0 {
		return nil
	}
	return func(alias string) ([]string, string, error) {
		if q.cfg.UseLateralJoins {
			return q.lateralFilterClauses(typeID, filters, alias)
		}
		return q.existsFilterClauses(typeID, filters, alias)
	}
}

// existsFilterClauses emits one "EXISTS (...)" condition per filter,
// correlated on alias.entity_id, ANDed together (spec §4.3.3). The type-id
// is spliced in as a decimal literal rather than a bound parameter — the
// type-id was already bound once (by the CTE's IN-list, or is implicit in
// the flat path's own WHERE), so re-parameterizing it per filter would
// both inflate the parameter count past what the planner already committed
// to and duplicate the same same-type-inference-ambiguity risk §4.3.4
// calls out for OrNode's literal type-ids.
func (q *Query) existsFilterClauses(typeID int32, filters []QueryFilter, alias string) ([]string, string, error) {
	var conds []string
	for _, f := range filters {
		cond, err := dispatchFilter(f, "c", q.ctx, q.filters)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM entity_components ec_f JOIN components c ON c.id = ec_f.component_id WHERE ec_f.entity_id = %s.entity_id AND ec_f.type_id = %d AND ec_f.deleted_at IS NULL AND c.deleted_at IS NULL AND %s)",
			alias, typeID, cond,
		))
	}
	return nil, strings.Join(conds, " AND "), nil
}

// lateralFilterClauses emits one "CROSS JOIN LATERAL (...) AS lat_<short>"
// join per filter plus a "lat_<short> IS NOT NULL" WHERE check, per spec
// §4.3.3's LATERAL mode. Join clauses are returned separately from the
// predicate so the caller can splice them after the FROM token while the
// predicate lands in WHERE, ahead of any trailing ORDER BY/GROUP BY.
func (q *Query) lateralFilterClauses(typeID int32, filters []QueryFilter, alias string) ([]string, string, error) {
	var joins []string
	var checks []string
	for i, f := range filters {
		cond, err := dispatchFilter(f, "c", q.ctx, q.filters)
		if err != nil {
			return nil, "", err
		}
		latAlias := shortLateralAlias(typeID, f.Field, i)
		joins = append(joins, fmt.Sprintf(
			"CROSS JOIN LATERAL (SELECT 1 FROM entity_components ec_f JOIN components c ON c.id = ec_f.component_id WHERE ec_f.entity_id = %s.entity_id AND ec_f.type_id = %d AND ec_f.deleted_at IS NULL AND c.deleted_at IS NULL AND %s LIMIT 1) AS %s",
			alias, typeID, cond, latAlias,
		))
		checks = append(checks, latAlias+" IS NOT NULL")
	}
	return joins, strings.Join(checks, " AND "), nil
}

// shortLateralAlias derives the mandatory short LATERAL alias (spec
// §4.3.3): "lat_" + 8-hex-digit type-id + sanitized field + positional
// index, truncating the field portion so the whole identifier stays well
// under PostgreSQL's 63-character limit.
func shortLateralAlias(typeID int32, field string, index int) string {
	prefix := fmt.Sprintf("%08x", uint32(typeID))
	sanitized := sanitizeIdentifier(field)
	if len(sanitized) > 30 {
		sanitized = sanitized[:30]
	}
	return fmt.Sprintf("lat_%s_%s_%d", prefix, sanitized, index)
}

func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// sortEmitter builds a dag.SortEmitter from the accumulated sort orders, or
// nil when none were set. Each term is a correlated subquery resolving the
// sorted component's property for the current row, identified by entityCol
// (whatever column expression the caller's default ordering would have
// used), so placement stays correct whether the leaf is CTE-backed, flat,
// or an OrNode wrapper.
func (q *Query) sortEmitter() dag.SortEmitter {
	if len(q.ctx.sortOrders) == 0 {
		return nil
	}
	orders := q.ctx.sortOrders
	return func(entityCol string) (string, error) {
		terms := make([]string, len(orders))
		for i, s := range orders {
			idx := q.ctx.AddParam(s.ComponentTypeID)
			col := BuildJsonPath(s.Property, "sort_c")
			expr := fmt.Sprintf(
				"(SELECT %s FROM entity_components sort_ec JOIN components sort_c ON sort_c.id = sort_ec.component_id WHERE sort_ec.entity_id = %s AND sort_ec.type_id = $%d AND sort_ec.deleted_at IS NULL LIMIT 1)",
				col, entityCol, idx,
			)
			dir := string(s.Direction)
			if dir == "" {
				dir = string(SortAsc)
			}
			term := expr + " " + dir
			if s.NullsFirst {
				term += " NULLS FIRST"
			} else {
				term += " NULLS LAST"
			}
			terms[i] = term
		}
		return strings.Join(terms, ", "), nil
	}
}

// paginationSpec converts the context's entity-level restrictions into the
// shape every leaf node shares.
func (q *Query) paginationSpec() dag.PaginationSpec {
	spec := dag.PaginationSpec{
		Limit:  q.ctx.limit,
		Offset: q.ctx.offsetValue,
	}
	if q.ctx.withID != nil {
		s := q.ctx.withID.String()
		spec.WithID = &s
	}
	if len(q.ctx.excludedEntityIDs) > 0 {
		ids := make([]string, 0, len(q.ctx.excludedEntityIDs))
		for id := range q.ctx.excludedEntityIDs {
			ids = append(ids, id.String())
		}
		sort.Strings(ids)
		spec.ExcludedEntityIDs = ids
	}
	if q.ctx.cursorID != nil {
		s := q.ctx.cursorID.String()
		spec.CursorID = &s
		spec.CursorDirection = string(q.ctx.cursorDirection)
	}
	return spec
}
