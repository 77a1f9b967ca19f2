package reactor

import "strings"

// filterClass sorts a query's where clause into the shapes the optimistic
// layer can evaluate locally. Anything richer still reaches the server
// untouched; it just gets no local optimistic notifications.
type filterClass int

const (
	filterMatchAll filterClass = iota
	filterIDEquals
	filterUnsupported
)

func (c filterClass) String() string {
	switch c {
	case filterMatchAll:
		return "matchAll"
	case filterIDEquals:
		return "idEquals"
	default:
		return "unsupported"
	}
}

// queryFilter is a classified where clause.
type queryFilter struct {
	class filterClass
	id    string
}

// classifyFilter inspects a where clause. Nil or empty matches everything;
// exactly {"id": <string>} matches one id; everything else is opaque.
func classifyFilter(where map[string]any) queryFilter {
	if len(where) == 0 {
		return queryFilter{class: filterMatchAll}
	}
	if len(where) == 1 {
		if raw, ok := where["id"]; ok {
			if id, ok := raw.(string); ok && id != "" {
				return queryFilter{class: filterIDEquals, id: id}
			}
		}
	}
	return queryFilter{class: filterUnsupported}
}

// accepts reports whether a locally written id should notify a subscription
// carrying this filter. Ids compare case-insensitively; the transport layer
// reports UUID-like ids with inconsistent casing between local generation
// and server echo.
func (f queryFilter) accepts(id string) bool {
	switch f.class {
	case filterMatchAll:
		return true
	case filterIDEquals:
		return strings.EqualFold(f.id, id)
	default:
		return false
	}
}
