// Package sqlbuilder provides a small string-builder abstraction with
// explicit tracking of which clauses (WHERE vs AND, JOIN, ORDER BY) have
// already been emitted. Spec §9 calls out the reference implementation's
// regex-based detection of "are we already inside a WHERE clause" as
// fragile, particularly around LATERAL join placement, and recommends a
// structured builder instead — this package is that builder.
package sqlbuilder

import "strings"

// Builder assembles a single SELECT statement incrementally. Callers add
// FROM/JOIN clauses, WHERE predicates, and trailing GROUP BY/ORDER
// BY/LIMIT/OFFSET in any order; String() renders them in correct SQL
// clause order regardless of call order, which is what eliminates the
// regex-sniffing the reference implementation relied on.
type Builder struct {
	selectCols []string
	from       string
	joins      []string
	wherePreds []string
	groupBy    string
	having     string
	orderBy    []string
	limit      string
	offset     string
}

// New starts a builder selecting cols from table.
func New(from string, cols ...string) *Builder {
	return &Builder{from: from, selectCols: cols}
}

// Join appends a JOIN clause (INNER/LEFT/CROSS JOIN LATERAL/...), emitted
// in the order added, directly after FROM.
func (b *Builder) Join(clause string) *Builder {
	if strings.TrimSpace(clause) != "" {
		b.joins = append(b.joins, clause)
	}
	return b
}

// Where ANDs an additional predicate into the WHERE clause. Empty
// predicates are ignored so callers don't need to track whether a filter
// contributed anything.
func (b *Builder) Where(pred string) *Builder {
	if strings.TrimSpace(pred) != "" {
		b.wherePreds = append(b.wherePreds, pred)
	}
	return b
}

// GroupBy sets the GROUP BY clause (no grouping if left empty).
func (b *Builder) GroupBy(clause string) *Builder {
	b.groupBy = clause
	return b
}

// Having sets the HAVING clause, only rendered when GroupBy is also set.
func (b *Builder) Having(clause string) *Builder {
	b.having = clause
	return b
}

// OrderBy appends one ORDER BY term.
func (b *Builder) OrderBy(term string) *Builder {
	if strings.TrimSpace(term) != "" {
		b.orderBy = append(b.orderBy, term)
	}
	return b
}

// Limit sets the LIMIT placeholder/value (e.g. "$5"). Empty means no LIMIT.
func (b *Builder) Limit(placeholder string) *Builder {
	b.limit = placeholder
	return b
}

// Offset sets the OFFSET placeholder/value. Empty means no OFFSET.
func (b *Builder) Offset(placeholder string) *Builder {
	b.offset = placeholder
	return b
}

// String renders the statement in well-formed clause order: SELECT, FROM,
// JOIN..., WHERE, GROUP BY, HAVING, ORDER BY, LIMIT, OFFSET.
func (b *Builder) String() string {
	var out strings.Builder

	cols := "*"
	if len(b.selectCols) > 0 {
		cols = strings.Join(b.selectCols, ", ")
	}
	out.WriteString("SELECT ")
	out.WriteString(cols)
	out.WriteString(" FROM ")
	out.WriteString(b.from)

	for _, j := range b.joins {
		out.WriteString(" ")
		out.WriteString(j)
	}

	if len(b.wherePreds) > 0 {
		out.WriteString(" WHERE ")
		out.WriteString(strings.Join(b.wherePreds, " AND "))
	}

	if b.groupBy != "" {
		out.WriteString(" GROUP BY ")
		out.WriteString(b.groupBy)
		if b.having != "" {
			out.WriteString(" HAVING ")
			out.WriteString(b.having)
		}
	}

	if len(b.orderBy) > 0 {
		out.WriteString(" ORDER BY ")
		out.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limit != "" {
		out.WriteString(" LIMIT ")
		out.WriteString(b.limit)
	}
	if b.offset != "" {
		out.WriteString(" OFFSET ")
		out.WriteString(b.offset)
	}

	return out.String()
}

// HasWhere reports whether any predicate has been added, useful for nodes
// that need to decide whether to AND or start a fresh WHERE.
func (b *Builder) HasWhere() bool {
	return len(b.wherePreds) > 0
}
