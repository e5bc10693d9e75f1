package ecsquery

import "testing"

func TestFilterBuilderRegistry_RegisterAndBuild(t *testing.T) {
	r := NewFilterBuilderRegistry()
	called := false
	err := r.Register("@contains", func(f QueryFilter, alias string, ctx *QueryContext) (string, int, error) {
		called = true
		idx := ctx.AddParam(f.Value)
		return alias + ".data @> $" + string(rune('0'+idx)), 1, nil
	}, FilterBuilderOptions{}, "pluginA", "1.0.0")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !r.Has("@contains") {
		t.Fatal("expected @contains to be registered")
	}

	ctx := NewQueryContext()
	_, n, err := r.Build(QueryFilter{Field: "tags", Operator: "@contains", Value: "x"}, "c", ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !called || n != 1 {
		t.Fatalf("builder not invoked correctly: called=%v n=%d", called, n)
	}
}

func TestFilterBuilderRegistry_ConflictRequiresNewerVersion(t *testing.T) {
	r := NewFilterBuilderRegistry()
	noop := func(f QueryFilter, alias string, ctx *QueryContext) (string, int, error) { return "", 0, nil }

	if err := r.Register("@custom", noop, FilterBuilderOptions{}, "pluginA", "1.0.0"); err != nil {
		t.Fatalf("initial Register: %v", err)
	}

	// Different plugin, same/older version: conflict.
	err := r.Register("@custom", noop, FilterBuilderOptions{}, "pluginB", "1.0.0")
	qerr, ok := err.(*QueryError)
	if !ok || qerr.Kind != ErrOperatorConflict {
		t.Fatalf("expected ErrOperatorConflict, got %v", err)
	}

	// Different plugin, strictly newer version: allowed.
	if err := r.Register("@custom", noop, FilterBuilderOptions{}, "pluginB", "1.1.0"); err != nil {
		t.Fatalf("upgrade Register should succeed: %v", err)
	}

	// Same plugin re-registering at the same version: always allowed.
	if err := r.Register("@custom", noop, FilterBuilderOptions{}, "pluginB", "1.1.0"); err != nil {
		t.Fatalf("same-plugin re-register should succeed: %v", err)
	}
}

func TestFilterBuilderRegistry_BuildUnregisteredOperator(t *testing.T) {
	r := NewFilterBuilderRegistry()
	ctx := NewQueryContext()
	_, _, err := r.Build(QueryFilter{Operator: "@nope"}, "c", ctx)
	qerr, ok := err.(*QueryError)
	if !ok || qerr.Kind != ErrUnsupportedOperator {
		t.Fatalf("expected ErrUnsupportedOperator, got %v", err)
	}
}

func TestFilterBuilderRegistry_ValidateHookRejectsValue(t *testing.T) {
	r := NewFilterBuilderRegistry()
	noop := func(f QueryFilter, alias string, ctx *QueryContext) (string, int, error) { return "ok", 0, nil }
	opts := FilterBuilderOptions{Validate: func(f QueryFilter) bool { return f.Value != nil }}
	if err := r.Register("@strict", noop, opts, "pluginA", "1.0.0"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := NewQueryContext()
	_, _, err := r.Build(QueryFilter{Operator: "@strict", Value: nil}, "c", ctx)
	qerr, ok := err.(*QueryError)
	if !ok || qerr.Kind != ErrInvalidFilterValue {
		t.Fatalf("expected ErrInvalidFilterValue, got %v", err)
	}
}

func TestIsBuiltinOperator(t *testing.T) {
	for _, op := range []FilterOp{OpEquals, OpNotEquals, OpLessThan, OpLessEq, OpGreaterThan, OpGreaterEq, OpLike, OpILike, OpNotLike, OpIn, OpNotIn} {
		if !isBuiltinOperator(op) {
			t.Errorf("expected %q to be builtin", op)
		}
	}
	if isBuiltinOperator("@custom") {
		t.Error("expected @custom to not be builtin")
	}
}
