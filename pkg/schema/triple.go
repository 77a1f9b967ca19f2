package schema

import "fmt"

// Origin says which side produced a triple. The merge rule uses it to break
// timestamp ties: confirmed server state beats an optimistic local write at
// the same stamp.
type Origin uint8

const (
	// OriginServer marks triples confirmed by the server.
	OriginServer Origin = iota
	// OriginLocal marks optimistic triples written ahead of confirmation.
	OriginLocal
)

// String returns the origin name for logs.
func (o Origin) String() string {
	switch o {
	case OriginServer:
		return "server"
	case OriginLocal:
		return "local"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Triple is one fact: entity E has attribute A with value V, written at
// Stamp (unix milliseconds). Triples are the only unit the store ingests;
// everything else is derived from them.
type Triple struct {
	EntityID string
	AttrID   string
	Value    Value
	Stamp    int64
	Origin   Origin
}

// Supersedes reports whether t should replace existing under last-write-wins
// merge. A strictly newer stamp always wins. At equal stamps the newcomer
// wins unless it is a local write contending with confirmed server state.
func (t Triple) Supersedes(existing Triple) bool {
	if t.Stamp != existing.Stamp {
		return t.Stamp > existing.Stamp
	}
	return !(t.Origin == OriginLocal && existing.Origin == OriginServer)
}

// String renders the triple for logs and test failures.
func (t Triple) String() string {
	return fmt.Sprintf("(%s %s %s @%d %s)", t.EntityID, t.AttrID, t.Value, t.Stamp, t.Origin)
}
