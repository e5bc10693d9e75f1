package ecsquery

// OrBranchInput names one arm of a disjunction before component names
// have been resolved against a registry: a component name plus the
// filters that must hold against its latest live row.
type OrBranchInput struct {
	Component string
	Filters   []QueryFilter
}

// OrQuery is the builder-facing value produced by Or and consumed by
// Query.WithOr. It exists as a distinct type (rather than overloading
// With) because Go has no method overloading; it plays the role spec
// §4.6 describes as `with(orQuery)`.
type OrQuery struct {
	branches []OrBranchInput
}

// Or constructs a disjunction over branches: a returned entity matches iff
// at least one branch's component-and-filters condition holds (spec
// §4.3.4). Pass the result to Query.WithOr.
func Or(branches ...OrBranchInput) OrQuery {
	return OrQuery{branches: branches}
}
