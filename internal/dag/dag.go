package dag

// QueryDAG holds the small dependency chain the planner assembled for one
// query and executes it: the optional CTE prelude first (which sets the
// HasCTE/CTEName flags downstream nodes read), then the leaf — the node
// whose output is the actual query. Only the leaf's text becomes the
// "main" SQL; CTENode's output is prepended verbatim as a WITH clause
// (spec §4.4).
type QueryDAG struct {
	CTE  *CTENode
	Leaf Node
}

// Execute runs the DAG against ctx and returns the fully assembled SQL.
//
// The CTE's LIMIT/OFFSET placeholders are bound after the leaf's own
// params (RenderBody before, RenderTail after) even though their text
// precedes the leaf's SQL — see CTENode.RenderTail.
func (d *QueryDAG) Execute(ctx *ExecContext) (string, error) {
	var body string
	if d.CTE != nil {
		b, err := d.CTE.RenderBody(ctx)
		if err != nil {
			return "", err
		}
		body = b
	}

	leafSQL, err := d.Leaf.Execute(ctx)
	if err != nil {
		return "", err
	}

	if d.CTE == nil {
		return leafSQL, nil
	}
	prelude := body + d.CTE.RenderTail(ctx)
	return prelude + "\n" + leafSQL, nil
}
