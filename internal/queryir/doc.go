// Package queryir is the predicate language for aggregate visibility filters.
//
// Policy decides who may see which aggregates; the store needs that decision
// as a WHERE clause. queryir sits between the two:
//
//	[policy.Scope] -> [store.ScopeClause] -> [queryir.Predicate] -> [querysql]
//
// A predicate tree is built from four node types:
//   - Equals(field, value)  one column equals one literal
//   - In(field, values)     one column is any of a non-empty literal list
//   - And(predicates)       all must hold; empty And is always true
//   - Or(predicates)        any must hold; empty Or is always false
//
// Fields are restricted to the columns the aggregates table exposes for
// visibility (see KnownFields). Literals are ir.IRValue scalars: strings,
// ints and bools. Nulls, arrays and objects never appear in a filter.
//
// SEALED INTERFACE:
//
// Predicate is sealed with a marker method, so backends can switch
// exhaustively over the node types:
//
//	switch p := pred.(type) {
//	case Equals:
//	case In:
//	case And:
//	case Or:
//	}
//
// Validate walks a tree and reports every rule it breaks. Backends validate
// before compiling so a malformed filter fails closed instead of widening
// what a caller can see.
package queryir
