// Package engine is the only path by which events enter the store and state
// leaves it.
//
// Every operation runs the same pipeline:
//
//  1. Validate the request (event id, registered type, payload schema).
//  2. Load the target and authorize the principal against fresh grants.
//  3. For appends, take the per-aggregate lock, refuse quarantined
//     aggregates, then append and fold in one store transaction.
//  4. Publish accepted events to subscribers.
//
// Reads are lazy where they can be large (events, exports, subscriptions)
// and re-authorize every row they return. Bulk queries push the caller's
// scope filter down into SQL and still check each row.
//
// Appends to one aggregate are serialized by a KeyedLocker; different
// aggregates proceed in parallel up to the store's single connection.
// Version checks happen inside the store transaction, so two engines sharing
// a database still resolve races with exactly one winner.
package engine
