package ecsquery

import "testing"

func TestQueryContext_GenerateCacheKeyIgnoresParamValues(t *testing.T) {
	c1 := NewQueryContext()
	c1.requireComponent(1)
	c1.addFilters(1, []QueryFilter{{Field: "a", Operator: OpEquals, Value: "x"}})
	c1.AddParam("x")

	c2 := NewQueryContext()
	c2.requireComponent(1)
	c2.addFilters(1, []QueryFilter{{Field: "a", Operator: OpEquals, Value: "different"}})
	c2.AddParam("different")

	if c1.generateCacheKey() != c2.generateCacheKey() {
		t.Fatalf("cache keys should match regardless of literal param values: %q vs %q",
			c1.generateCacheKey(), c2.generateCacheKey())
	}
}

func TestQueryContext_GenerateCacheKeyDiffersOnShape(t *testing.T) {
	c1 := NewQueryContext()
	c1.requireComponent(1)

	c2 := NewQueryContext()
	c2.requireComponent(1)
	c2.requireComponent(2)

	if c1.generateCacheKey() == c2.generateCacheKey() {
		t.Fatal("differing required sets should produce different cache keys")
	}
}

func TestQueryContext_Reset_ClearsParamsKeepsStructure(t *testing.T) {
	c := NewQueryContext()
	c.requireComponent(1)
	c.AddParam("v1")
	c.hasCTE = true
	c.cteName = "base_entities"

	c.reset()

	if len(c.Params()) != 0 {
		t.Fatalf("expected params cleared, got %v", c.Params())
	}
	if c.paramIndex != 1 {
		t.Fatalf("expected paramIndex reset to 1, got %d", c.paramIndex)
	}
	if c.hasCTE || c.cteName != "" {
		t.Fatal("expected CTE flags cleared by reset")
	}
	if !c.IsRequired(1) {
		t.Fatal("expected structural declarations to survive reset")
	}
}

func TestQueryContext_AddParamOrderingMatchesPlaceholderPosition(t *testing.T) {
	c := NewQueryContext()
	idx1 := c.AddParam("a")
	idx2 := c.AddParam("b")
	if idx1 != 1 || idx2 != 2 {
		t.Fatalf("expected sequential 1-based indices, got %d, %d", idx1, idx2)
	}
	if c.Params()[0] != "a" || c.Params()[1] != "b" {
		t.Fatalf("params slice out of order: %v", c.Params())
	}
}

func TestQueryContext_Clone_IsIndependent(t *testing.T) {
	c := NewQueryContext()
	c.requireComponent(1)
	cp := c.clone()
	cp.requireComponent(2)

	if c.IsRequired(2) {
		t.Fatal("mutating the clone should not affect the original")
	}
	if !cp.IsRequired(1) || !cp.IsRequired(2) {
		t.Fatal("clone should carry over original state plus its own mutations")
	}
}

func TestQueryContext_TotalFilterCount(t *testing.T) {
	c := NewQueryContext()
	c.addFilters(1, []QueryFilter{{Field: "a", Operator: OpEquals, Value: 1}})
	c.addFilters(2, []QueryFilter{{Field: "b", Operator: OpEquals, Value: 2}, {Field: "c", Operator: OpEquals, Value: 3}})
	if got := c.TotalFilterCount(); got != 3 {
		t.Fatalf("TotalFilterCount() = %d, want 3", got)
	}
}
