// Package collection implements the reactive collection store.
//
// A Graph holds every named collection of a service: writable input and
// external collections, eager collections derived from them by operators
// (Map, Reduce, MapReduce, Merge, Slice, Take) and lazy collections computed
// per key on demand.
//
// ARCHITECTURE:
//
// Nodes are numbered in creation order. A node may only be derived from nodes
// that already exist, so ascending id order is a topological order of the
// static edges. Writes to an input start a propagation: every changed key
// records its previous values, marks static dependents dirty at that key, and
// marks every (reader, readerKey) that read the key through a Context. The
// propagation worklist always processes the lowest dirty node next; dynamic
// edges that point backwards simply re-queue the reader.
//
// Copy-on-write:
// All per-node state lives in google/btree trees. Graph.Clone is O(1): the
// node set and every touched node are cloned lazily on first mutation, so a
// fork pays only for the nodes it writes.
//
// Single writer:
// A Graph is mutated by one goroutine at a time (the owner of the fork slot).
// Once sealed it is immutable and safe for concurrent readers.
//
// Confluence:
// For every derived collection, incremental maintenance yields exactly the
// state a from-scratch build over the same inputs would produce, including
// value order: per-key outputs are assembled in source-key order.
package collection
