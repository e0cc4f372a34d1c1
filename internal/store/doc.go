// Package store provides a SQLite-backed commit journal for service inputs.
//
// Every commit that writes a service input collection is appended as one
// row in commits plus one row per written key in writes. Replaying the
// journal in version order over a freshly built service graph reproduces
// the input state, and with it every derived collection.
//
// # Invariants
//
//   - Append-only: commits are never updated or deleted.
//   - Ordering uses the main version, never timestamps. All reads are
//     ORDER BY version ASC, ord ASC.
//   - A write row carries the complete new value set of its key; an empty
//     array deletes the key.
//   - Commit ids are content-addressed (ir.CommitID) so re-appending the
//     same commit is a no-op.
//
// # Database Configuration
//
// File journals use WAL mode and synchronous=NORMAL. Every journal waits up
// to 5 seconds on locks and enforces foreign keys. Open(":memory:") gives a
// throwaway journal for tests and scenario runs.
package store
