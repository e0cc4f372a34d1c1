package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	def, err := compile(t, `
		inputs: {users: [], scores: []}
		shared: {
			totals: {from: "scores", steps: [{op: "reduce", reducer: "sum"}]}
			top: {from: "totals", steps: [{op: "take", limit: 3}]}
		}
		resources: {
			shout: {from: "users", params: suffix: "!", steps: [{op: "append", param: "suffix"}]}
			both: {from: "users", steps: [{op: "join", with: "totals"}]}
			feed: {external: {service: "s", resource: "r"}}
		}
	`)
	require.NoError(t, err)
	assert.Empty(t, Validate(def))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		want []string
	}{
		{
			name: "unknown source",
			def:  &Definition{Resources: map[string]Pipeline{"r": {From: "nope"}}},
			want: []string{ErrUnknownSource},
		},
		{
			name: "no source",
			def:  &Definition{Resources: map[string]Pipeline{"r": {}}},
			want: []string{ErrInvalidSource},
		},
		{
			name: "both sources",
			def: &Definition{
				Inputs:    map[string][]ir.Entry{"u": nil},
				Resources: map[string]Pipeline{"r": {From: "u", External: &ExternalRef{Service: "s", Resource: "x"}}},
			},
			want: []string{ErrInvalidSource},
		},
		{
			name: "unknown op and reducer",
			def: &Definition{
				Inputs: map[string][]ir.Entry{"u": nil},
				Resources: map[string]Pipeline{"r": {From: "u", Steps: []Step{
					{Op: "explode"},
					{Op: "reduce", Reducer: "avg"},
				}}},
			},
			want: []string{ErrUnknownOp, ErrUnknownReducer},
		},
		{
			name: "missing fields",
			def: &Definition{
				Inputs: map[string][]ir.Entry{"u": nil},
				Resources: map[string]Pipeline{"r": {From: "u", Steps: []Step{
					{Op: "rekey"},
					{Op: "append"},
					{Op: "filter"},
					{Op: "merge"},
					{Op: "slice", Start: ir.Int(1)},
					{Op: "take"},
				}}},
			},
			want: []string{
				ErrMissingStepField, ErrMissingStepField, ErrMissingStepField,
				ErrMissingStepField, ErrMissingStepField, ErrMissingStepField,
			},
		},
		{
			name: "unknown param",
			def: &Definition{
				Inputs:    map[string][]ir.Entry{"u": nil},
				Resources: map[string]Pipeline{"r": {From: "u", Steps: []Step{{Op: "append", Param: "suffix"}}}},
			},
			want: []string{ErrUnknownParam},
		},
		{
			name: "resources cannot read resources",
			def: &Definition{
				Inputs: map[string][]ir.Entry{"u": nil},
				Resources: map[string]Pipeline{
					"a": {From: "u"},
					"b": {From: "a"},
				},
			},
			want: []string{ErrUnknownSource},
		},
		{
			name: "duplicate and external shared",
			def: &Definition{
				Inputs: map[string][]ir.Entry{"u": nil, "v": nil},
				Shared: map[string]Pipeline{
					"u": {From: "v"},
					"x": {External: &ExternalRef{Service: "s", Resource: "r"}},
				},
			},
			want: []string{ErrDuplicateName, ErrExternalInShared},
		},
		{
			name: "cycle",
			def: &Definition{
				Inputs: map[string][]ir.Entry{"u": nil},
				Shared: map[string]Pipeline{
					"a": {From: "b"},
					"b": {From: "u", Steps: []Step{{Op: "merge", With: []string{"a"}}}},
				},
			},
			want: []string{ErrSharedCycle},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codes(Validate(tt.def)))
		})
	}
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{Field: "resources.r.from", Message: "no collection", Code: ErrUnknownSource, Line: 4}
	assert.Equal(t, "[E101] line 4: resources.r.from: no collection", err.Error())
	err.Line = 0
	assert.Equal(t, "[E101] resources.r.from: no collection", err.Error())
}
