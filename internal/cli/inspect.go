package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/recoll/internal/compiler"
	"github.com/roach88/recoll/internal/ir"
)

// InspectResult describes a compiled definition.
type InspectResult struct {
	Inputs    []InputSummary    `json:"inputs"`
	Shared    []PipelineSummary `json:"shared"` // build order
	Resources []PipelineSummary `json:"resources"`
}

// InputSummary describes one input collection.
type InputSummary struct {
	Name string `json:"name"`
	Keys int    `json:"keys"`
}

// PipelineSummary describes one shared collection or resource.
type PipelineSummary struct {
	Name   string   `json:"name"`
	Source string   `json:"source"`
	Params string   `json:"params,omitempty"`
	Steps  []string `json:"steps"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <definition>",
		Short: "Show the compiled form of a service definition",
		Long: `Compile and validate a CUE service definition and print its inputs,
shared collections in build order, and resources with their default params.

Example:
  recoll inspect ./shop.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}
}

func runInspect(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	res, err := loadDefinition(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	if errs := compiler.Validate(res.Definition); len(errs) > 0 {
		return outputValidationErrors(formatter, len(res.Files), errs)
	}

	result := describe(res.Definition)
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintln(w, "Inputs:")
	for _, in := range result.Inputs {
		fmt.Fprintf(w, "  %s (%d keys)\n", in.Name, in.Keys)
	}
	printPipelines := func(title string, ps []PipelineSummary) {
		fmt.Fprintf(w, "%s:\n", title)
		for _, p := range ps {
			fmt.Fprintf(w, "  %s <- %s", p.Name, p.Source)
			if p.Params != "" {
				fmt.Fprintf(w, " params %s", p.Params)
			}
			fmt.Fprintln(w)
			for _, step := range p.Steps {
				fmt.Fprintf(w, "    | %s\n", step)
			}
		}
	}
	printPipelines("Shared", result.Shared)
	printPipelines("Resources", result.Resources)
	return nil
}

func describe(def *compiler.Definition) InspectResult {
	result := InspectResult{
		Inputs:    []InputSummary{},
		Shared:    []PipelineSummary{},
		Resources: []PipelineSummary{},
	}
	for _, name := range sortedNames(def.Inputs) {
		result.Inputs = append(result.Inputs, InputSummary{Name: name, Keys: len(def.Inputs[name])})
	}
	for _, name := range def.SharedOrder() {
		result.Shared = append(result.Shared, summarize(name, def.Shared[name]))
	}
	for _, name := range sortedNames(def.Resources) {
		result.Resources = append(result.Resources, summarize(name, def.Resources[name]))
	}
	return result
}

func summarize(name string, p compiler.Pipeline) PipelineSummary {
	s := PipelineSummary{Name: name, Source: p.Source(), Steps: make([]string, len(p.Steps))}
	if len(p.Params) > 0 {
		s.Params = ir.Format(p.Params)
	}
	for i, step := range p.Steps {
		s.Steps[i] = step.String()
	}
	return s
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
