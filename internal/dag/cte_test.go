package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCTENode_RenderBody_EmptyRequiredSet(t *testing.T) {
	ctx, _ := newCtx()
	n := &CTENode{}
	_, err := n.RenderBody(ctx)
	require.ErrorIs(t, err, ErrEmptyRequiredSet)
}

func TestCTENode_RenderBody_DefaultsName(t *testing.T) {
	ctx, params := newCtx()
	n := &CTENode{RequiredTypeIDs: []int32{3}}
	body, err := n.RenderBody(ctx)
	require.NoError(t, err)
	require.Contains(t, body, "WITH base_entities AS (")
	require.Contains(t, body, "ec.type_id IN ($1)")
	require.Equal(t, []any{int32(3)}, *params)
	require.True(t, ctx.HasCTE)
	require.Equal(t, "base_entities", ctx.CTEName)
}

// TestCTENode_ExcludedAndLimitOffsetOrder covers testable property 4: the
// LIMIT/OFFSET placeholders bind after every structural placeholder in
// RenderBody, and the closing paren follows them.
func TestCTENode_ExcludedAndLimitOffsetOrder(t *testing.T) {
	ctx, params := newCtx()
	limit := 25
	n := &CTENode{
		RequiredTypeIDs:   []int32{1},
		ExcludedTypeIDs:   []int32{9},
		ExcludedEntityIDs: []string{"e1"},
		Limit:             &limit,
		Offset:            10,
	}
	body, err := n.RenderBody(ctx)
	require.NoError(t, err)
	tail := n.RenderTail(ctx)

	require.Equal(t, []any{int32(1), int32(9), "e1", 25, 10}, *params)
	require.Contains(t, body, "NOT EXISTS (SELECT 1 FROM entity_components ec_exc WHERE ec_exc.entity_id = ec.entity_id AND ec_exc.type_id = $2")
	require.Contains(t, body, "ec.entity_id NOT IN ($3)")
	require.Equal(t, "\n  LIMIT $4\n  OFFSET $5\n)", tail)
	require.True(t, ctx.PaginationAppliedInCTE)
}

func TestCTENode_RenderTail_NoLimitNoOffset(t *testing.T) {
	ctx, params := newCtx()
	n := &CTENode{RequiredTypeIDs: []int32{1}}
	_, err := n.RenderBody(ctx)
	require.NoError(t, err)
	tail := n.RenderTail(ctx)
	require.Equal(t, "\n)", tail)
	require.Equal(t, []any{int32(1)}, *params)
	require.False(t, ctx.PaginationAppliedInCTE)
}
