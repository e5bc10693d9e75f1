package dag

import (
	"fmt"
	"strconv"
	"strings"
)

// OrBranch is one arm of a disjunction: match the given component type and
// (optionally) filter predicate. TypeIDLiteral is the type-id rendered as
// a bare SQL literal (not a bound parameter) — used only by the
// same-type collapse, to sidestep driver type-inference ambiguity on a
// repeated bound value (spec §4.3.4).
type OrBranch struct {
	TypeID        int32
	TypeIDLiteral string
	PartitionTable string
	Emitter       ComponentFilterEmitter
}

// OrNode implements disjunction over branches (spec §4.3.4). An entity
// matches iff any branch's component+filter condition holds; when this
// node sits atop a ComponentInclusionNode dependency, RequiredPredicate
// additionally restricts to entities already holding the required set.
type OrNode struct {
	Branches []OrBranch

	// DirectPartition selects the optimized strategy (partition tables
	// addressed by name, UNION or same-type OR-of-ANDs collapse) over the
	// fallback EXISTS/MAX(created_at) strategy.
	DirectPartition bool

	// RequiredPredicate, when non-nil, produces a SQL boolean expression
	// over "entity_id" (e.g. an EXISTS check built by the caller from the
	// required-component set) ANDed into the outer wrapper — both branch
	// strategies expose "entity_id" as the real underlying column, "id"
	// being only the outer SELECT's own output alias. It is invoked at the
	// point its output is written, not at DAG-build time, so any
	// placeholder it binds lands after the branches' own placeholders
	// (spec §5's left-to-right placeholder/param ordering).
	RequiredPredicate RequiredPredicateEmitter

	// Sort, when non-nil, produces the ORDER BY term; nil means sort by
	// the outer wrapper's "id" column.
	Sort       SortEmitter
	Pagination PaginationSpec
}

func (n *OrNode) Type() string { return "or" }

func (n *OrNode) Execute(ctx *ExecContext) (string, error) {
	if len(n.Branches) == 0 {
		return "", fmt.Errorf("dag: OrNode requires at least one branch")
	}

	sameType := n.DirectPartition && n.allSameType()

	if sameType {
		return n.executeSameTypeCollapse(ctx)
	}
	return n.executeUnion(ctx)
}

func (n *OrNode) allSameType() bool {
	first := n.Branches[0].TypeID
	for _, b := range n.Branches[1:] {
		if b.TypeID != first {
			return false
		}
	}
	return true
}

// executeSameTypeCollapse implements testable property 6: when every
// branch targets the same component type, emit one SELECT with an
// OR-of-ANDs instead of a UNION.
func (n *OrNode) executeSameTypeCollapse(ctx *ExecContext) (string, error) {
	table := n.Branches[0].PartitionTable
	conds := make([]string, len(n.Branches))
	for i, b := range n.Branches {
		predicate := ""
		if b.Emitter != nil {
			// No alias: table is the FROM source directly, un-aliased.
			_, p, err := b.Emitter("")
			if err != nil {
				return "", err
			}
			predicate = p
		}
		lit := b.TypeIDLiteral
		if lit == "" {
			lit = strconv.FormatInt(int64(b.TypeID), 10)
		}
		cond := fmt.Sprintf("type_id = '%s'", lit)
		if predicate != "" {
			cond += " AND " + predicate
		}
		conds[i] = "(" + cond + ")"
	}

	where := []string{"deleted_at IS NULL", "(" + strings.Join(conds, " OR ") + ")"}
	if err := n.appendOuterConstraints(ctx, &where, "entity_id"); err != nil {
		return "", err
	}

	sql := fmt.Sprintf("SELECT entity_id as id FROM %s WHERE %s", table, strings.Join(where, " AND "))
	tail, err := n.orderAndPaginate(ctx, "entity_id")
	if err != nil {
		return "", err
	}
	return sql + tail, nil
}

// executeUnion implements the direct-partition multi-type path and the
// hash-partitioning/dependent fallback path, both of which union branch
// results and apply ordering/pagination/exclusions at the outer wrapper.
func (n *OrNode) executeUnion(ctx *ExecContext) (string, error) {
	branchSQL := make([]string, len(n.Branches))
	for i, b := range n.Branches {
		sql, err := n.executeBranch(ctx, b)
		if err != nil {
			return "", err
		}
		branchSQL[i] = sql
	}

	var where []string
	// "entity_id" is the union subquery's real column; "id" only exists as
	// this outer SELECT's own output alias and is not visible to its WHERE.
	if err := n.appendOuterConstraints(ctx, &where, "entity_id"); err != nil {
		return "", err
	}

	sql := "SELECT entity_id as id FROM (" + strings.Join(branchSQL, " UNION ") + ") AS or_results"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	tail, err := n.orderAndPaginate(ctx, "id")
	if err != nil {
		return "", err
	}
	return sql + tail, nil
}

func (n *OrNode) executeBranch(ctx *ExecContext, b OrBranch) (string, error) {
	if n.DirectPartition {
		idx := ctx.AddParam(b.TypeID)
		where := []string{fmt.Sprintf("type_id = $%d", idx), "deleted_at IS NULL"}
		if b.Emitter != nil {
			// No alias: the partition table is this branch's own FROM
			// source, unaliased.
			_, predicate, err := b.Emitter("")
			if err != nil {
				return "", err
			}
			if predicate != "" {
				where = append(where, predicate)
			}
		}
		return fmt.Sprintf("SELECT entity_id FROM %s WHERE %s", b.PartitionTable, strings.Join(where, " AND ")), nil
	}

	idx := ctx.AddParam(b.TypeID)
	where := []string{
		"c1.type_id = $" + strconv.Itoa(idx),
		"c1.deleted_at IS NULL",
		"c1.created_at = (SELECT MAX(c2.created_at) FROM components c2 WHERE c2.entity_id = c1.entity_id AND c2.type_id = c1.type_id AND c2.deleted_at IS NULL)",
	}
	if b.Emitter != nil {
		_, predicate, err := b.Emitter("c1")
		if err != nil {
			return "", err
		}
		if predicate != "" {
			where = append(where, predicate)
		}
	}
	return "SELECT c1.entity_id FROM components c1 WHERE " + strings.Join(where, " AND "), nil
}

func (n *OrNode) appendOuterConstraints(ctx *ExecContext, where *[]string, entityCol string) error {
	if n.RequiredPredicate != nil {
		predicate, err := n.RequiredPredicate(ctx)
		if err != nil {
			return err
		}
		if predicate != "" {
			*where = append(*where, predicate)
		}
	}
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
	return nil
}

func (n *OrNode) orderAndPaginate(ctx *ExecContext, defaultOrderCol string) (string, error) {
	desc := n.Pagination.CursorDirection == "before"
	order := ""
	if n.Sort != nil {
		o, err := n.Sort(defaultOrderCol)
		if err != nil {
			return "", err
		}
		order = o
	}
	if order == "" {
		order = defaultOrderCol
		if desc {
			order += " DESC"
		}
	}
	return " ORDER BY " + order + renderLimitOffset(ctx, n.Pagination), nil
}
