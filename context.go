package ecsquery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// QueryContext accumulates parameters and planning state as the builder and
// the DAG nodes assemble a query (spec §3). It is created empty per query,
// mutated by the builder, reset before each execution so the same builder
// can be re-run, and consumed by DAG execution.
type QueryContext struct {
	params     []any
	paramIndex int // next placeholder number, 1-based

	componentIDs         map[int32]struct{}
	excludedComponentIDs  map[int32]struct{}
	componentFilters      map[int32][]QueryFilter
	excludedEntityIDs     map[uuid.UUID]struct{}
	withID                *uuid.UUID

	limit           *int
	offsetValue     int
	cursorID        *uuid.UUID
	cursorDirection CursorDirection

	sortOrders []SortOrder

	hasCTE  bool
	cteName string

	eagerComponents map[int32]struct{}

	paginationAppliedInCTE bool

	orBranches []OrBranch

	debug bool

	customOperators map[string]struct{}
}

// NewQueryContext returns an empty context ready for a builder to populate.
func NewQueryContext() *QueryContext {
	return &QueryContext{
		componentIDs:         make(map[int32]struct{}),
		excludedComponentIDs: make(map[int32]struct{}),
		componentFilters:     make(map[int32][]QueryFilter),
		excludedEntityIDs:    make(map[uuid.UUID]struct{}),
		eagerComponents:      make(map[int32]struct{}),
		customOperators:      make(map[string]struct{}),
		paramIndex:           1,
	}
}

// AddParam appends value to the bound-parameter list and returns its
// 1-based placeholder position. Every node, and every registered
// FilterBuilder (spec §4.5), must use this instead of tracking its own
// counter, so that the k-th "$n" placeholder always corresponds to
// ctx.params[n-1] (spec §5, testable property 1). Exported so a
// FilterBuilder authored outside this package can bind its own
// parameters (spec §6.5).
func (c *QueryContext) AddParam(value any) int {
	c.params = append(c.params, value)
	idx := c.paramIndex
	c.paramIndex++
	return idx
}

// Params returns the bound parameters in $1, $2, ... order.
func (c *QueryContext) Params() []any {
	return c.params
}

// requireComponent marks typeID as required.
func (c *QueryContext) requireComponent(typeID int32) {
	c.componentIDs[typeID] = struct{}{}
}

// excludeComponent marks typeID as forbidden.
func (c *QueryContext) excludeComponent(typeID int32) {
	c.excludedComponentIDs[typeID] = struct{}{}
}

// addFilters appends filters for a required component type, preserving
// caller order (generateCacheKey sorts them separately for fingerprinting;
// SQL emission uses this original order).
func (c *QueryContext) addFilters(typeID int32, filters []QueryFilter) {
	c.componentFilters[typeID] = append(c.componentFilters[typeID], filters...)
	for _, f := range filters {
		if !isBuiltinOperator(f.Operator) {
			c.customOperators[string(f.Operator)] = struct{}{}
		}
	}
}

// RequiredComponents returns the required type-id set.
func (c *QueryContext) RequiredComponents() []int32 {
	return sortedKeys(c.componentIDs)
}

// ExcludedComponents returns the excluded type-id set.
func (c *QueryContext) ExcludedComponents() []int32 {
	return sortedKeys(c.excludedComponentIDs)
}

// IsRequired reports whether typeID is in the required set.
func (c *QueryContext) IsRequired(typeID int32) bool {
	_, ok := c.componentIDs[typeID]
	return ok
}

// Filters returns the filters registered for a component type, in
// registration order.
func (c *QueryContext) Filters(typeID int32) []QueryFilter {
	return c.componentFilters[typeID]
}

// TotalFilterCount sums the filter count across every required component —
// the quantity the CTE-activation heuristic reads (spec §4.4).
func (c *QueryContext) TotalFilterCount() int {
	total := 0
	for _, filters := range c.componentFilters {
		total += len(filters)
	}
	return total
}

func sortedKeys(m map[int32]struct{}) []int32 {
	out := make([]int32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reset clears per-execution state (params, param index, CTE flags) while
// leaving structural declarations (componentIDs, filters, sort orders, ...)
// intact, so the same built Query can be re-run (spec §4.2).
func (c *QueryContext) reset() {
	c.params = nil
	c.paramIndex = 1
	c.hasCTE = false
	c.cteName = ""
	c.paginationAppliedInCTE = false
}

// clone returns a deep-enough copy to support speculative planning (e.g.
// count()/sum() building a derived query without disturbing the original).
func (c *QueryContext) clone() *QueryContext {
	cp := NewQueryContext()
	for k := range c.componentIDs {
		cp.componentIDs[k] = struct{}{}
	}
	for k := range c.excludedComponentIDs {
		cp.excludedComponentIDs[k] = struct{}{}
	}
	for typeID, filters := range c.componentFilters {
		cp.componentFilters[typeID] = append([]QueryFilter(nil), filters...)
	}
	for k := range c.excludedEntityIDs {
		cp.excludedEntityIDs[k] = struct{}{}
	}
	if c.withID != nil {
		id := *c.withID
		cp.withID = &id
	}
	if c.limit != nil {
		l := *c.limit
		cp.limit = &l
	}
	cp.offsetValue = c.offsetValue
	if c.cursorID != nil {
		id := *c.cursorID
		cp.cursorID = &id
	}
	cp.cursorDirection = c.cursorDirection
	cp.sortOrders = append([]SortOrder(nil), c.sortOrders...)
	for k := range c.eagerComponents {
		cp.eagerComponents[k] = struct{}{}
	}
	cp.orBranches = append([]OrBranch(nil), c.orBranches...)
	cp.debug = c.debug
	for k := range c.customOperators {
		cp.customOperators[k] = struct{}{}
	}
	return cp
}

// generateCacheKey derives a deterministic structural fingerprint: sorted
// required/excluded ids, filters written per id as
// "typeId=[field+operator,...]" in sorted order, sort orders, CTE presence/name, and the set of
// custom operators present. Parameter values never enter the key, so two
// queries differing only in literals hit the same prepared statement
// (spec §4.2, testable property 2).
func (c *QueryContext) generateCacheKey() string {
	var b strings.Builder

	required := sortedKeys(c.componentIDs)
	excluded := sortedKeys(c.excludedComponentIDs)

	b.WriteString("req:")
	writeInt32List(&b, required)
	b.WriteString("|exc:")
	writeInt32List(&b, excluded)

	b.WriteString("|filters:")
	for _, typeID := range required {
		filters := c.componentFilters[typeID]
		if len(filters) == 0 {
			continue
		}
		shapes := make([]string, len(filters))
		for i, f := range filters {
			shapes[i] = f.Field + "+" + string(f.Operator)
		}
		sort.Strings(shapes)
		fmt.Fprintf(&b, "%d=[%s];", typeID, strings.Join(shapes, ","))
	}

	if len(c.orBranches) > 0 {
		b.WriteString("|or:")
		shapes := make([]string, len(c.orBranches))
		for i, branch := range c.orBranches {
			fieldOps := make([]string, len(branch.Filters))
			for j, f := range branch.Filters {
				fieldOps[j] = f.Field + "+" + string(f.Operator)
			}
			sort.Strings(fieldOps)
			shapes[i] = fmt.Sprintf("%d:[%s]", branch.ComponentTypeID, strings.Join(fieldOps, ","))
		}
		sort.Strings(shapes)
		b.WriteString(strings.Join(shapes, ";"))
	}

	b.WriteString("|sort:")
	for _, s := range c.sortOrders {
		fmt.Fprintf(&b, "%d.%s.%s.%t;", s.ComponentTypeID, s.Property, s.Direction, s.NullsFirst)
	}

	fmt.Fprintf(&b, "|cte:%t:%s", c.hasCTE, c.cteName)

	if c.withID != nil {
		b.WriteString("|withId:1")
	}
	if len(c.excludedEntityIDs) > 0 {
		fmt.Fprintf(&b, "|excEntities:%d", len(c.excludedEntityIDs))
	}
	if c.limit != nil {
		b.WriteString("|limit:1")
	}
	if c.offsetValue > 0 {
		b.WriteString("|offset:1")
	}
	if c.cursorID != nil {
		fmt.Fprintf(&b, "|cursor:%s", c.cursorDirection)
	}

	if len(c.customOperators) > 0 {
		ops := make([]string, 0, len(c.customOperators))
		for op := range c.customOperators {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		b.WriteString("|customOps:" + strings.Join(ops, ","))
	}

	return b.String()
}

func writeInt32List(b *strings.Builder, ids []int32) {
	b.WriteString("[")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.FormatInt(int64(id), 10))
	}
	b.WriteString("]")
}
