// Package harness runs scenario tests against a live service.
//
// A scenario names a CUE service definition, drives it through a sequence
// of steps, records every update delivered to its subscribers, and checks
// assertions against the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: shout
//	description: "Subscribers see every user shouted"
//	definition: ../defs/users.cue
//	steps:
//	  - instantiate: {id: r1, resource: shout}
//	  - subscribe: {id: r1}
//	  - update: {collection: users, entries: [[3, ["Carol"]]]}
//	  - update: {collection: totals, entries: [["a", [1]]]}
//	    expect_error: READ_ONLY
//	  - fork: batch
//	  - update: {collection: users, entries: [[4, ["Dan"]]]}
//	  - merge: true
//	assertions:
//	  - type: update_count
//	    instance: r1
//	    count: 3
//	  - type: subscriber
//	    instance: r1
//	    expect: [[1, ["Alice!"]], [2, ["Bob!"]], [3, ["Carol!"]], [4, ["Dan!"]]]
//
// Entries use the wire form [key, [values...]].
//
// # Assertion Types
//
//   - collection: the entries of a named collection in main
//   - resource: the output of a one-shot read of a resource
//   - subscriber: the state a subscriber reconstructs from its updates
//   - update_count: how many updates an instance's subscriber received
//   - version: the version of main
//   - journal_count: how many commits were journaled (requires journal: true)
//
// # Deterministic Testing
//
// Every scenario runs against a fresh service with sequential ids, a
// manual clock and, when journal is set, an in-memory SQLite journal. The
// same scenario produces the same trace on every run, which makes the trace
// suitable for golden file comparison.
package harness
