package dag

import (
	"fmt"
	"strings"
)

// PaginationSpec carries the entity-level restrictions common to every
// leaf node: single-entity restriction, excluded entities, cursor
// pagination, and limit/offset. Source, ComponentInclusion (when acting as
// leaf without a CTE) and the Or wrapper all apply the same shape of
// outer constraints, so they share this struct instead of repeating the
// field list.
type PaginationSpec struct {
	WithID            *string
	ExcludedEntityIDs []string

	CursorID        *string
	CursorDirection string // "after" or "before"; empty means no cursor

	Limit  *int
	Offset int

	// SkipLimitOffset is set when pagination already happened inside an
	// active CTE body, so the leaf must not re-apply it (spec §4.3.1).
	SkipLimitOffset bool
}

// SourceNode produces the base SELECT over entities (spec §4.3.1). It is
// only the DAG's leaf — and therefore the node whose output becomes the
// final SQL — when no required or excluded components are present; a
// ComponentInclusionNode dependent instead inherits these constraints
// directly and becomes the leaf itself.
type SourceNode struct {
	Pagination PaginationSpec
}

func (n *SourceNode) Type() string { return "source" }

func (n *SourceNode) Execute(ctx *ExecContext) (string, error) {
	var where []string
	where = append(where, "deleted_at IS NULL")

	if n.Pagination.WithID != nil {
		idx := ctx.AddParam(*n.Pagination.WithID)
		where = append(where, fmt.Sprintf("id = $%d", idx))
	}
	if len(n.Pagination.ExcludedEntityIDs) > 0 {
		placeholders := make([]string, len(n.Pagination.ExcludedEntityIDs))
		for i, id := range n.Pagination.ExcludedEntityIDs {
			placeholders[i] = fmt.Sprintf("$%d", ctx.AddParam(id))
		}
		where = append(where, fmt.Sprintf("id NOT IN (%s)", strings.Join(placeholders, ", ")))
	}

	desc := n.Pagination.CursorDirection == "before"
	if n.Pagination.CursorID != nil {
		idx := ctx.AddParam(*n.Pagination.CursorID)
		op := ">"
		if desc {
			op = "<"
		}
		where = append(where, fmt.Sprintf("id %s $%d", op, idx))
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}

	sql := "SELECT id FROM entities WHERE " + strings.Join(where, " AND ") + " ORDER BY id " + dir

	if !n.Pagination.SkipLimitOffset {
		sql += renderLimitOffset(ctx, n.Pagination)
	}
	return sql, nil
}

// renderLimitOffset appends " LIMIT $n" and/or " OFFSET $n" per the
// normative pagination rule (spec §9 Design Notes): no OFFSET while cursor
// pagination is active; otherwise OFFSET is emitted whenever Limit is set
// or Offset is non-zero, keeping the prepared-statement shape stable
// across pages.
func renderLimitOffset(ctx *ExecContext, p PaginationSpec) string {
	var sql string
	if p.Limit != nil {
		sql += fmt.Sprintf(" LIMIT $%d", ctx.AddParam(*p.Limit))
	}
	cursorActive := p.CursorID != nil
	if !cursorActive && (p.Limit != nil || p.Offset > 0) {
		sql += fmt.Sprintf(" OFFSET $%d", ctx.AddParam(p.Offset))
	}
	return sql
}
