// Package schema defines the data model shared by the normalizer, the store
// and the reactor: attribute identities, the attribute catalog, tagged values
// and triples.
//
// The catalog is supplied by the connection layer and treated as read-only
// lookup data. It is replaced whole whenever the server reports an updated
// schema; consumers hold a snapshot and never mutate it.
package schema

// Cardinality says whether an attribute holds one value or many per entity.
type Cardinality string

const (
	// CardinalityOne attributes keep a single current value per entity.
	CardinalityOne Cardinality = "one"
	// CardinalityMany attributes accumulate a set of values per entity.
	CardinalityMany Cardinality = "many"
)

// AttrKind distinguishes scalar attributes from relationship references.
type AttrKind string

const (
	// AttrScalar attributes carry plain values (string, number, bool, null).
	AttrScalar AttrKind = "scalar"
	// AttrRef attributes carry references to other entities.
	AttrRef AttrKind = "ref"
)

// Attribute is the identity of a schema field or relationship.
//
// Every attribute has a stable ID and a forward identity
// (ForwardEntity, ForwardLabel). Relationship attributes additionally carry a
// reverse identity (ReverseEntity, ReverseLabel) naming the link as seen from
// the target side. Attributes are immutable once published.
type Attribute struct {
	ID            string
	ForwardEntity string
	ForwardLabel  string
	ReverseEntity string
	ReverseLabel  string
	Cardinality   Cardinality
	Kind          AttrKind
}

// IsRef reports whether the attribute is a relationship reference.
func (a *Attribute) IsRef() bool {
	return a.Kind == AttrRef
}

// HasReverse reports whether the attribute exposes a reverse label.
// Only relationship attributes do.
func (a *Attribute) HasReverse() bool {
	return a.Kind == AttrRef && a.ReverseLabel != ""
}

type labelKey struct {
	entity string
	label  string
}

// Catalog is an immutable snapshot of the published attributes with forward
// and reverse lookup indexes.
//
// A nil *Catalog behaves like an empty catalog: every lookup misses. This
// lets holders start before the schema has arrived and swap the real catalog
// in later.
type Catalog struct {
	byID    map[string]*Attribute
	forward map[labelKey]*Attribute
	reverse map[labelKey]*Attribute
}

// NewCatalog builds a catalog from the published attribute list.
// Later duplicates of the same forward or reverse identity win, matching the
// server's replace-on-republish behavior.
func NewCatalog(attrs []Attribute) *Catalog {
	c := &Catalog{
		byID:    make(map[string]*Attribute, len(attrs)),
		forward: make(map[labelKey]*Attribute, len(attrs)),
		reverse: make(map[labelKey]*Attribute),
	}
	for i := range attrs {
		a := attrs[i]
		c.byID[a.ID] = &a
		c.forward[labelKey{a.ForwardEntity, a.ForwardLabel}] = &a
		if a.HasReverse() {
			c.reverse[labelKey{a.ReverseEntity, a.ReverseLabel}] = &a
		}
	}
	return c
}

// Forward resolves an attribute by (entityType, label) as declared on the
// owning entity.
func (c *Catalog) Forward(entityType, label string) (*Attribute, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.forward[labelKey{entityType, label}]
	return a, ok
}

// Reverse resolves a relationship attribute by (entityType, reverseLabel) as
// seen from the target side of the link.
func (c *Catalog) Reverse(entityType, reverseLabel string) (*Attribute, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.reverse[labelKey{entityType, reverseLabel}]
	return a, ok
}

// Attribute resolves an attribute by its stable ID.
func (c *Catalog) Attribute(id string) (*Attribute, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.byID[id]
	return a, ok
}

// Len returns the number of published attributes.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}

// Empty reports whether the catalog has no attributes (or is nil).
func (c *Catalog) Empty() bool {
	return c.Len() == 0
}

// Attributes returns the published attributes in unspecified order.
func (c *Catalog) Attributes() []Attribute {
	if c == nil {
		return nil
	}
	out := make([]Attribute, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, *a)
	}
	return out
}
