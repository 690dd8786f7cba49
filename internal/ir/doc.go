// Package ir provides the shared record types for cairn.
//
// Every other internal package imports ir; ir imports nothing internal. It
// holds the constrained value model used for event payloads and derived state,
// the canonical JSON encoding used for hashing, the content hashes that make
// the log tamper-evident, and the error taxonomy shared by the store, the
// engine and the offline client.
//
// Key constraints:
//   - No float values anywhere in payloads or state. Folds must be
//     reproducible bit for bit, so numbers are int64.
//   - JSON null is rejected at the API boundary.
//   - All JSON tags use snake_case.
//   - Per-aggregate order is aggregate_version; global order is seq.
package ir
