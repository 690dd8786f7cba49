package queryir

import "github.com/roach88/cairn/internal/ir"

// Field names a filterable aggregate column.
type Field string

const (
	FieldTenant    Field = "tenant_id"
	FieldAggregate Field = "aggregate_id"
	FieldSite      Field = "site_id"
	FieldKind      Field = "kind"
	FieldOwner     Field = "owner_id"
)

// KnownFields is the set of fields a predicate may reference.
var KnownFields = map[Field]bool{
	FieldTenant:    true,
	FieldAggregate: true,
	FieldSite:      true,
	FieldKind:      true,
	FieldOwner:     true,
}

// Predicate is a filter condition over one aggregate row.
//
// This is a sealed interface: only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Equals holds when Field equals Value.
//
//	Equals{Field: FieldOwner, Value: ir.IRString("patient-1")}
//
// renders as
//
//	owner_id = ?
type Equals struct {
	Field Field
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// In holds when Field equals any of Values. Values must be non-empty.
//
//	In{Field: FieldSite, Values: []ir.IRValue{ir.IRString("site-a"), ir.IRString("site-b")}}
//
// renders as
//
//	site_id IN (?, ?)
type In struct {
	Field  Field
	Values []ir.IRValue
}

func (In) predicateNode() {}

// And holds when every predicate holds. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or holds when at least one predicate holds. An empty Or is always false,
// which is what a visibility filter with no grants must mean.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Strings builds an IRString list, the common shape of In values.
func Strings(values ...string) []ir.IRValue {
	out := make([]ir.IRValue, len(values))
	for i, v := range values {
		out[i] = ir.IRString(v)
	}
	return out
}
