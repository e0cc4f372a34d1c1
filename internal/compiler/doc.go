// Package compiler turns CUE service definitions into runnable service
// definitions.
//
// A definition file declares input collections with their initial entries,
// shared collections derived from the inputs, and resources clients may
// instantiate:
//
//	inputs: users: [{key: 1, value: "Alice"}, {key: 2, values: ["Bob"]}]
//
//	shared: totals: {from: "scores", steps: [{op: "reduce", reducer: "sum"}]}
//
//	resources: shout: {
//		from:   "users"
//		params: suffix: "!"
//		steps: [{op: "append", param: "suffix"}]
//	}
//
// Each pipeline starts from a named collection (or an external feed) and
// applies its steps in order. Step ops:
//
//	rekey    field           re-key every value by value[field]
//	project  field           replace every value by value[field]
//	append   text | param    append a string to every value
//	filter   field, equals   keep values (or value[field]) equal to equals
//	flatten                  expand array values into their elements
//	join     with            pair each value with the values of with at the same key
//	reduce   reducer         sum, count, min or max per key
//	merge    with            concatenate the values of other collections
//	slice    start, end      keep keys in [start, end]
//	take     limit | param   keep the first limit keys
//
// Compilation is two-phase: CompileDefinition parses the CUE value into a
// Definition, then Validate checks references, ops and shared-collection
// cycles and returns every problem at once.
package compiler
