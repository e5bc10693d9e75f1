package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrNode_NoBranches(t *testing.T) {
	ctx, _ := newCtx()
	n := &OrNode{}
	_, err := n.Execute(ctx)
	require.Error(t, err)
}

// TestOrNode_SameTypeCollapse covers testable property 6 and seed S4: when
// every branch targets the same type, emit one SELECT with OR-of-ANDs
// against the partition table directly, using literal type-ids, not bound
// params.
func TestOrNode_SameTypeCollapse(t *testing.T) {
	ctx, params := newCtx()
	n := &OrNode{
		DirectPartition: true,
		Branches: []OrBranch{
			{TypeID: 1, TypeIDLiteral: "1", PartitionTable: "components_c1", Emitter: func(alias string) ([]string, string, error) {
				idx := ctx.AddParam("a")
				return nil, "data->>'s' = $" + itoaTest(idx), nil
			}},
			{TypeID: 1, TypeIDLiteral: "1", PartitionTable: "components_c1", Emitter: func(alias string) ([]string, string, error) {
				idx := ctx.AddParam("b")
				return nil, "data->>'s' = $" + itoaTest(idx), nil
			}},
		},
	}
	sql, err := n.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t,
		"SELECT entity_id as id FROM components_c1 WHERE deleted_at IS NULL AND ((type_id = '1' AND data->>'s' = $1) OR (type_id = '1' AND data->>'s' = $2)) ORDER BY entity_id",
		sql,
	)
	require.Equal(t, []any{"a", "b"}, *params)
}

// TestOrNode_UnionDirectPartition covers the multi-type direct-partition
// path (seed S3): distinct branches union, each bound with its own type-id
// parameter rather than a literal.
func TestOrNode_UnionDirectPartition(t *testing.T) {
	ctx, params := newCtx()
	n := &OrNode{
		DirectPartition: true,
		Branches: []OrBranch{
			{TypeID: 1, PartitionTable: "components_c1"},
			{TypeID: 2, PartitionTable: "components_c2"},
		},
	}
	sql, err := n.Execute(ctx)
	require.NoError(t, err)
	require.Contains(t, sql, "SELECT entity_id FROM components_c1 WHERE type_id = $1 AND deleted_at IS NULL")
	require.Contains(t, sql, "SELECT entity_id FROM components_c2 WHERE type_id = $2 AND deleted_at IS NULL")
	require.Contains(t, sql, "UNION")
	require.Contains(t, sql, "SELECT entity_id as id FROM (")
	require.Equal(t, []any{int32(1), int32(2)}, *params)
}

// TestOrNode_FallbackStrategy covers the non-direct-partition path: branches
// scan the shared components table, keyed by MAX(created_at) per entity/type.
func TestOrNode_FallbackStrategy(t *testing.T) {
	ctx, params := newCtx()
	n := &OrNode{
		Branches: []OrBranch{
			{TypeID: 5},
		},
	}
	sql, err := n.Execute(ctx)
	require.NoError(t, err)
	require.Contains(t, sql, "SELECT c1.entity_id FROM components c1 WHERE c1.type_id = $1")
	require.Contains(t, sql, "c1.created_at = (SELECT MAX(c2.created_at)")
	require.Equal(t, []any{int32(5)}, *params)
}

func TestOrNode_RequiredPredicateAndPagination(t *testing.T) {
	ctx, params := newCtx()
	limit := 10
	n := &OrNode{
		DirectPartition: true,
		RequiredPredicate: func(ctx *ExecContext) (string, error) {
			return "EXISTS (SELECT 1)", nil
		},
		Branches:   []OrBranch{{TypeID: 1, PartitionTable: "components_c1"}},
		Pagination: PaginationSpec{Limit: &limit, Offset: 5},
	}
	sql, err := n.Execute(ctx)
	require.NoError(t, err)
	require.Contains(t, sql, "WHERE deleted_at IS NULL AND ((type_id = '1')) AND EXISTS (SELECT 1)")
	require.Contains(t, sql, "LIMIT $1 OFFSET $2")
	require.Equal(t, []any{10, 5}, *params)
}

// TestOrNode_RequiredPredicateParamOrderMatchesTextOrder guards against a
// prior bug where the required-component predicate bound its params at
// DAG-build time (ahead of the branches' own AddParam calls) even though
// its text is written after the branches in the final SQL, breaking
// spec §5's left-to-right placeholder/param correspondence. The predicate
// must bind only when OrNode actually invokes it.
func TestOrNode_RequiredPredicateParamOrderMatchesTextOrder(t *testing.T) {
	ctx, params := newCtx()
	n := &OrNode{
		DirectPartition: true,
		RequiredPredicate: func(ctx *ExecContext) (string, error) {
			idx := ctx.AddParam(int32(99))
			return "EXISTS (SELECT 1 WHERE type_id = $" + itoaTest(idx) + ")", nil
		},
		Branches: []OrBranch{
			{TypeID: 1, PartitionTable: "components_c1"},
			{TypeID: 2, PartitionTable: "components_c2"},
		},
	}
	sql, err := n.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{int32(1), int32(2), int32(99)}, *params)
	require.Contains(t, sql, "type_id = $3")
}
