package ecsquery

import (
	"fmt"
	"regexp"
	"strings"
)

// BuildJsonPath expands a dotted field path into a PostgreSQL JSON
// extraction expression against alias.data (spec §4.3.3): all but the last
// segment use the "->" object operator, the last segment uses "->>" to
// extract as text. A single-segment path collapses to "alias.data->>'field'".
// An empty alias omits the qualifier ("data->>'field'"), for callers
// addressing a table with no FROM alias of its own. Exported per spec §6.5
// so a custom FilterBuilder can address the same JSON columns the built-in
// operators do.
func BuildJsonPath(field, alias string) string {
	segments := strings.Split(field, ".")
	col := "data"
	if alias != "" {
		col = alias + ".data"
	}
	for i, seg := range segments {
		if i == len(segments)-1 {
			col += "->>'" + seg + "'"
		} else {
			col += "->'" + seg + "'"
		}
	}
	return col
}

// ComposeFilters ANDs together the SQL fragments produced by dispatching
// each filter, skipping any that produced an empty fragment. Used where a
// component's filters apply directly against a table already scoped to
// that component (e.g. an OrNode branch's own partition row) rather than
// through an EXISTS/LATERAL probe. Exported per spec §6.5 as part of the
// programmatic surface available to a registering plugin.
func ComposeFilters(filters []QueryFilter, tableAlias string, ctx *QueryContext, registry *FilterBuilderRegistry) (string, error) {
	var parts []string
	for _, f := range filters {
		sql, err := dispatchFilter(f, tableAlias, ctx, registry)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, sql)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// dispatchFilter routes a filter to its native SQL rendering for the
// built-in operator set, or to the registered custom filter builder
// otherwise (spec §4.3.3's "registered custom operator: delegate to the
// filter builder").
func dispatchFilter(f QueryFilter, tableAlias string, ctx *QueryContext, registry *FilterBuilderRegistry) (string, error) {
	if isBuiltinOperator(f.Operator) {
		sql, _, err := builtinFilterSQL(f, tableAlias, ctx)
		return sql, err
	}
	sql, _, err := registry.Build(f, tableAlias, ctx)
	return sql, err
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// builtinFilterSQL implements the filter-to-condition mapping for the
// built-in operator set (spec §4.3.3):
//   - "=" against a value matching the UUID pattern: text comparison, no
//     cast, so a text column storing UUID strings still matches.
//   - LIKE/ILIKE/NOT LIKE: text comparison, no cast.
//   - IN/NOT IN: the value is a list; emit "(p1, p2, ...)", no cast.
//   - a numeric Go value: "(json)::numeric OP $n::numeric".
//   - anything else: plain text comparison.
func builtinFilterSQL(f QueryFilter, alias string, ctx *QueryContext) (string, int, error) {
	col := BuildJsonPath(f.Field, alias)

	switch f.Operator {
	case OpIn, OpNotIn:
		values, ok := f.Value.([]any)
		if !ok || len(values) == 0 {
			return "", 0, ErrorInvalidFilterValue(ctx.paramIndex, "", "IN/NOT IN filter value must be a non-empty list")
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = fmt.Sprintf("$%d", ctx.AddParam(v))
		}
		op := "IN"
		if f.Operator == OpNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")), len(values), nil

	case OpLike, OpILike, OpNotLike:
		idx := ctx.AddParam(f.Value)
		return fmt.Sprintf("%s %s $%d", col, f.Operator, idx), 1, nil

	case OpEquals:
		if s, ok := f.Value.(string); ok && uuidPattern.MatchString(s) {
			idx := ctx.AddParam(s)
			return fmt.Sprintf("%s = $%d", col, idx), 1, nil
		}
	}

	if isNumericValue(f.Value) {
		idx := ctx.AddParam(f.Value)
		return fmt.Sprintf("(%s)::numeric %s $%d::numeric", col, f.Operator, idx), 1, nil
	}

	idx := ctx.AddParam(f.Value)
	return fmt.Sprintf("%s %s $%d", col, f.Operator, idx), 1, nil
}

func isNumericValue(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// WithIndexHint prefixes builder's output with a planner hint comment, for
// custom filters that want to steer PostgreSQL toward a specific index.
// Exported per spec §6.5; exercised directly in helpers_test.go since
// nothing in the built-in operator set needs an index hint of its own.
func WithIndexHint(builder FilterBuilder, hintName string) FilterBuilder {
	return func(filter QueryFilter, tableAlias string, ctx *QueryContext) (string, int, error) {
		sql, added, err := builder(filter, tableAlias, ctx)
		if err != nil || sql == "" {
			return sql, added, err
		}
		return "/* INDEX: " + hintName + " */ " + sql, added, nil
	}
}
