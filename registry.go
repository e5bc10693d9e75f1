package ecsquery

import (
	"sort"
	"sync"
)

// ComponentRegistry is the interface the query core consumes from the
// component metadata/decorator layer (spec §4.1). It is expected to be
// populated once at startup and treated as read-only afterward; the query
// core never mutates it.
type ComponentRegistry interface {
	// ComponentID resolves a component name to its stable type-id.
	ComponentID(name string) (int32, bool)
	// Descriptor resolves a type-id to its full descriptor (partition
	// table, indexed properties, constructor).
	Descriptor(typeID int32) (ComponentDescriptor, bool)
	// PartitionTableName resolves a type-id to its partition table name.
	PartitionTableName(typeID int32) (string, bool)
	// EnsureReady blocks until registration is complete. Call before
	// building a query against a registry that loads asynchronously.
	EnsureReady()
}

// StaticComponentRegistry is a ComponentRegistry populated once at process
// start and never mutated afterward — the shape spec §9 calls for
// ("process-wide registries... modeled as explicit objects owned by an
// application root, passed into query construction, not ambient globals").
// It mirrors the teacher's fileSchemaRegistry (internal/schema_registry.go)
// in its name->id->descriptor bookkeeping, adapted from schema/attribute
// metadata to component descriptors.
type StaticComponentRegistry struct {
	mu          sync.RWMutex
	byName      map[string]int32
	byID        map[int32]ComponentDescriptor
	ready       bool
}

// NewStaticComponentRegistry constructs an empty registry. Call Register
// for each component class, then MarkReady once registration is complete.
func NewStaticComponentRegistry() *StaticComponentRegistry {
	return &StaticComponentRegistry{
		byName: make(map[string]int32),
		byID:   make(map[int32]ComponentDescriptor),
	}
}

// Register adds a component descriptor under the write lock, so it may run
// alongside reads; intended for startup wiring only.
func (r *StaticComponentRegistry) Register(desc ComponentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[desc.Name] = desc.TypeID
	r.byID[desc.TypeID] = desc
}

// MarkReady signals that startup registration is complete; EnsureReady
// returns immediately after this is called.
func (r *StaticComponentRegistry) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

func (r *StaticComponentRegistry) ComponentID(name string) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *StaticComponentRegistry) Descriptor(typeID int32) (ComponentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[typeID]
	return d, ok
}

func (r *StaticComponentRegistry) PartitionTableName(typeID int32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[typeID]
	if !ok {
		return "", false
	}
	return d.PartitionTable, true
}

func (r *StaticComponentRegistry) EnsureReady() {
	for {
		r.mu.RLock()
		ready := r.ready
		r.mu.RUnlock()
		if ready {
			return
		}
	}
}

// ListComponents returns registered component names, sorted, for debugging
// and tests.
func (r *StaticComponentRegistry) ListComponents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PartitionTableNameForComponent derives a partition table name the way the
// schema bootstrap layer is expected to (spec §6.1): lowercased, non
// alphanumerics replaced with underscores, "components_" prefix. The query
// core never creates tables; this helper exists so registries populated
// from a bare component-name list can compute a name consistent with what
// schema bootstrap would have created.
func PartitionTableNameForComponent(name string) string {
	out := make([]rune, 0, len(name)+len("components_"))
	out = append(out, []rune("components_")...)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
