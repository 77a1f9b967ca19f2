package schema

// LinkSelection is the allow-list of relationship paths a read is permitted
// to resolve, keyed by link label with the nested selection for each child.
// A nil or empty selection resolves no links at all.
//
// The allow-list is mandatory for graph-shaped data: with bidirectional
// references present, unrestricted resolution would recurse forever.
// Selection depth is the recursion bound.
type LinkSelection map[string]LinkSelection

// Links builds a flat selection from labels, each with no nested links.
func Links(labels ...string) LinkSelection {
	sel := make(LinkSelection, len(labels))
	for _, l := range labels {
		sel[l] = nil
	}
	return sel
}
