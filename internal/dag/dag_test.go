package dag

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newCtx returns an ExecContext backed by a plain params slice, mirroring
// how Query.plan wires ctx.addParam in the root package.
func newCtx() (*ExecContext, *[]any) {
	params := &[]any{}
	adder := func(v any) int {
		*params = append(*params, v)
		return len(*params)
	}
	return NewExecContext(adder), params
}

// TestQueryDAG_CTEParamOrder covers seed S1: a CTE-backed query whose param
// order must follow emission call order (required type-ids, then the
// per-filter values the leaf binds, then LIMIT/OFFSET), not the text
// position of the CTE's own placeholders.
func TestQueryDAG_CTEParamOrder(t *testing.T) {
	ctx, params := newCtx()

	limit := 10
	cte := &CTENode{
		RequiredTypeIDs: []int32{1, 2},
		Limit:           &limit,
		Offset:          20,
	}
	leaf := &ComponentInclusionNode{
		UsesCTE: true,
		CTEName: "base_entities",
		Required: []RequiredComponent{
			{TypeID: 1, Emitter: func(alias string) ([]string, string, error) {
				idx := ctx.AddParam("u1")
				return nil, alias + ".field = $" + strconv.Itoa(idx), nil
			}},
			{TypeID: 2, Emitter: func(alias string) ([]string, string, error) {
				idxA := ctx.AddParam("date")
				idxB := ctx.AddParam("a1")
				return nil, alias + ".a = $" + strconv.Itoa(idxA) + " AND " + alias + ".b = $" + strconv.Itoa(idxB), nil
			}},
		},
	}

	d := &QueryDAG{CTE: cte, Leaf: leaf}
	sql, err := d.Execute(ctx)
	require.NoError(t, err)

	require.Equal(t, []any{int32(1), int32(2), "u1", "date", "a1", 10, 20}, *params)
	require.True(t, strings.HasPrefix(sql, "WITH base_entities AS ("))
	require.Contains(t, sql, "SELECT be.entity_id as id FROM base_entities be")
}

// TestQueryDAG_NoCTE covers seed S2: with() alone, below the CTE-activation
// threshold, produces a flat query with no DAG.CTE at all.
func TestQueryDAG_NoCTE(t *testing.T) {
	ctx, params := newCtx()

	leaf := &ComponentInclusionNode{
		Required: []RequiredComponent{{TypeID: 7}},
	}
	d := &QueryDAG{Leaf: leaf}
	sql, err := d.Execute(ctx)
	require.NoError(t, err)

	require.Equal(t, []any{int32(7)}, *params)
	require.Equal(t,
		"SELECT DISTINCT ec.entity_id as id FROM entity_components ec WHERE ec.type_id = $1 AND ec.deleted_at IS NULL ORDER BY ec.entity_id",
		sql,
	)
}
