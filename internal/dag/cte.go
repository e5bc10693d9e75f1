package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRequiredSet is returned when a CTENode is built with no required
// component type-ids — a programmer error per spec §4.3.2.
var ErrEmptyRequiredSet = errors.New("dag: CTENode requires at least one required component type-id")

// CTENode emits the "WITH base_entities AS (...)" prelude that narrows the
// candidate entity set to those holding every required component, before
// per-filter EXISTS probes run against that narrowed set (spec §4.3.2).
// Limit/offset, when present, are placed inside this body — after ORDER
// BY, before the closing parenthesis — so pagination materializes only
// the page being fetched; this is the property the normative pagination
// rule and testable property 4 both hinge on.
type CTENode struct {
	Name string // defaults to "base_entities" when empty

	RequiredTypeIDs []int32
	ExcludedTypeIDs []int32

	ExcludedEntityIDs []string

	Limit  *int
	Offset int
}

func (n *CTENode) Type() string { return "cte" }

// Execute is not used directly by QueryDAG — a CTENode's LIMIT/OFFSET must
// bind its placeholders *after* the leaf's own filter params so that S1's
// param order holds (type-ids, then filter values, then limit/offset,
// matching emission call order rather than the text's left-to-right
// position). QueryDAG instead calls RenderBody before the leaf and
// RenderTail after it, splicing the two together around the leaf's SQL.
func (n *CTENode) Execute(ctx *ExecContext) (string, error) {
	body, err := n.RenderBody(ctx)
	if err != nil {
		return "", err
	}
	return body + n.RenderTail(ctx), nil
}

// RenderBody binds the required/excluded type-id and excluded-entity
// placeholders and returns the CTE text up through "ORDER BY ec.entity_id",
// without LIMIT/OFFSET or the closing parenthesis.
func (n *CTENode) RenderBody(ctx *ExecContext) (string, error) {
	if len(n.RequiredTypeIDs) == 0 {
		return "", ErrEmptyRequiredSet
	}

	name := n.Name
	if name == "" {
		name = "base_entities"
	}

	placeholders := make([]string, len(n.RequiredTypeIDs))
	for i, id := range n.RequiredTypeIDs {
		placeholders[i] = fmt.Sprintf("$%d", ctx.AddParam(id))
	}

	var where []string
	where = append(where, fmt.Sprintf("ec.type_id IN (%s)", strings.Join(placeholders, ", ")))
	where = append(where, "ec.deleted_at IS NULL")

	for _, excludedTypeID := range n.ExcludedTypeIDs {
		idx := ctx.AddParam(excludedTypeID)
		where = append(where, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM entity_components ec_exc WHERE ec_exc.entity_id = ec.entity_id AND ec_exc.type_id = $%d AND ec_exc.deleted_at IS NULL)",
			idx,
		))
	}

	if len(n.ExcludedEntityIDs) > 0 {
		ph := make([]string, len(n.ExcludedEntityIDs))
		for i, id := range n.ExcludedEntityIDs {
			ph[i] = fmt.Sprintf("$%d", ctx.AddParam(id))
		}
		where = append(where, fmt.Sprintf("ec.entity_id NOT IN (%s)", strings.Join(ph, ", ")))
	}

	n.Name = name
	ctx.HasCTE = true
	ctx.CTEName = name

	return fmt.Sprintf(
		"WITH %s AS (\n  SELECT DISTINCT ec.entity_id\n  FROM entity_components ec\n  WHERE %s\n  ORDER BY ec.entity_id",
		name, strings.Join(where, " AND "),
	), nil
}

// RenderTail binds the LIMIT/OFFSET placeholders and closes the CTE body.
// Called after the leaf has bound its own params so that the CTE's
// structural placeholders land after filter-bound ones in param order,
// even though their text is written before the leaf's SQL.
func (n *CTENode) RenderTail(ctx *ExecContext) string {
	var sql string
	if n.Limit != nil {
		sql += fmt.Sprintf("\n  LIMIT $%d", ctx.AddParam(*n.Limit))
	}
	if n.Limit != nil || n.Offset > 0 {
		sql += fmt.Sprintf("\n  OFFSET $%d", ctx.AddParam(n.Offset))
	}
	sql += "\n)"
	ctx.PaginationAppliedInCTE = n.Limit != nil || n.Offset > 0
	return sql
}
