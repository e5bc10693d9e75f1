// Package ecsquery implements a query planner and execution engine for an
// entity-component-system data model persisted in PostgreSQL. Entities are
// opaque identifiers; components are typed JSON payloads linked to entities
// through the entity_components join relation.
package ecsquery

import (
	"time"

	"github.com/google/uuid"
)

// Entity is an opaque identity returned by query execution. Persistence of
// entities and their components is the caller's concern; the query engine
// only reads identities and the components it was asked to hydrate.
type Entity struct {
	ID         uuid.UUID
	Components map[int32]Component
}

// Component returns the hydrated payload for typeID, or false if it was not
// requested or not found.
func (e *Entity) Component(typeID int32) (Component, bool) {
	if e == nil || e.Components == nil {
		return Component{}, false
	}
	c, ok := e.Components[typeID]
	return c, ok
}

// Component is a typed JSON payload attached to an entity.
type Component struct {
	TypeID    int32
	EntityID  uuid.UUID
	Data      map[string]any
	CreatedAt time.Time
	DeletedAt *time.Time
}

// PropertyKind describes the declared storage type of an indexed property.
// It is descriptor metadata only: filter emission does not coerce values by
// it, and hydration reparses dates from ComponentDescriptor.DateProperties.
type PropertyKind string

const (
	PropertyKindText    PropertyKind = "text"
	PropertyKindNumeric PropertyKind = "numeric"
	PropertyKindBool    PropertyKind = "bool"
	PropertyKindDate    PropertyKind = "date"
	PropertyKindUUID    PropertyKind = "uuid"
)

// ColumnBinding records that an indexed property has been promoted out of
// the JSON payload into a dedicated column on the component's partition
// table. It is descriptor metadata only: query nodes do not consult it and
// always address the property through its JSON path expression.
type ColumnBinding struct {
	ColumnName string
	Numeric    bool
}

// IndexedProperty describes one property a component class has declared as
// filterable/sortable.
type IndexedProperty struct {
	Name    string
	Kind    PropertyKind
	Binding *ColumnBinding
}

// ComponentDescriptor is what the query engine needs to know about a
// registered component class: its stable type-id, its partition table name,
// and its indexed properties. The entity persistence layer and the
// component metadata/decorator layer own producing these; the query core
// only consumes them through ComponentRegistry.
type ComponentDescriptor struct {
	Name            string
	TypeID          int32
	PartitionTable  string
	IndexedProps    map[string]IndexedProperty
	Constructor     func() map[string]any
	DateProperties  []string // properties reparsed into time.Time after JSON unmarshal
}

// Property looks up an indexed property by name.
func (d ComponentDescriptor) Property(name string) (IndexedProperty, bool) {
	p, ok := d.IndexedProps[name]
	return p, ok
}

// FilterOp enumerates the comparison operators a QueryFilter may use.
// Custom operators registered through FilterBuilderRegistry extend this set
// at runtime; they are plain strings so the registry stays open.
type FilterOp string

const (
	OpEquals      FilterOp = "="
	OpNotEquals   FilterOp = "!="
	OpLessThan    FilterOp = "<"
	OpLessEq      FilterOp = "<="
	OpGreaterThan FilterOp = ">"
	OpGreaterEq   FilterOp = ">="
	OpLike        FilterOp = "LIKE"
	OpILike       FilterOp = "ILIKE"
	OpNotLike     FilterOp = "NOT LIKE"
	OpIn          FilterOp = "IN"
	OpNotIn       FilterOp = "NOT IN"
)

// QueryFilter is a (field-path, operator, value) triple. field-path is
// dotted ("a.b.c") and addresses a JSON property inside a component's
// payload; it is always rendered as a JSON path, never as a dedicated column.
type QueryFilter struct {
	Field    string
	Operator FilterOp
	Value    any
}

// SortDirection enumerates ORDER BY directions.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// SortOrder sorts results by a property of a required component. The
// referenced component must already be present in the query's required set
// (enforced by Query.SortBy, spec property 10).
type SortOrder struct {
	ComponentTypeID int32
	Property        string
	Direction       SortDirection
	NullsFirst      bool
}

// CursorDirection selects which side of a cursor a paginated query reads.
type CursorDirection string

const (
	CursorAfter  CursorDirection = "after"
	CursorBefore CursorDirection = "before"
)

// ComponentFilterSpec pairs a component type with the filters required of it.
// Nothing in this package consumes it: Query.With takes a component name and
// filters directly, and OrBranch carries its own fields.
type ComponentFilterSpec struct {
	ComponentTypeID int32
	Filters         []QueryFilter
}

// OrBranch is one arm of a disjunctive component query (spec §4.3.4): an
// entity matches the OR iff it satisfies at least one branch's
// component+filter condition.
type OrBranch struct {
	ComponentTypeID int32
	Filters         []QueryFilter
}
