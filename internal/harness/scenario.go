package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/recoll/internal/ir"
)

// Scenario defines a service test scenario.
// A scenario loads one definition, drives a live service through its steps
// and asserts on the delivered updates and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definition is the path of the CUE definition file or directory.
	// Relative paths are resolved against the scenario file location.
	Definition string `yaml:"definition"`

	// Journal enables an in-memory commit journal.
	Journal bool `yaml:"journal,omitempty"`

	// History bounds the per-instance delta history. Zero keeps the default.
	History int `yaml:"history,omitempty"`

	// Steps run in order against the service.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one service operation. Exactly one operation field is set.
type Step struct {
	Update      *UpdateStep      `yaml:"update,omitempty"`
	Instantiate *InstantiateStep `yaml:"instantiate,omitempty"`
	Subscribe   *SubscribeStep   `yaml:"subscribe,omitempty"`
	Push        *PushStep        `yaml:"push,omitempty"`

	// Unsubscribe detaches the subscriber of the named instance.
	Unsubscribe string `yaml:"unsubscribe,omitempty"`

	// Close closes the named instance.
	Close string `yaml:"close,omitempty"`

	// Fork opens a named fork. Until merge or abort, only update steps are
	// allowed and they write to the fork.
	Fork string `yaml:"fork,omitempty"`

	Merge bool `yaml:"merge,omitempty"`
	Abort bool `yaml:"abort,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// UpdateStep writes entries to an input collection.
type UpdateStep struct {
	Collection string `yaml:"collection"`
	Entries    []any  `yaml:"entries"`
}

// InstantiateStep creates a resource instance.
type InstantiateStep struct {
	ID       string `yaml:"id"`
	Resource string `yaml:"resource"`
	Params   any    `yaml:"params,omitempty"`
}

// SubscribeStep attaches a recording subscriber to an instance.
type SubscribeStep struct {
	ID    string `yaml:"id"`
	Since string `yaml:"since,omitempty"`
}

// PushStep delivers entries from a fake external service to an instance.
type PushStep struct {
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Entries  []any  `yaml:"entries"`
	Init     bool   `yaml:"init,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "collection": entries of a named collection in main
	// - "resource": one-shot read of a resource
	// - "subscriber": state folded from a subscriber's updates
	// - "update_count": number of updates a subscriber received
	// - "version": version of main
	// - "journal_count": number of journaled commits
	Type string `yaml:"type"`

	// Collection is the collection name (used by collection).
	Collection string `yaml:"collection,omitempty"`

	// Resource and Params select the resource read (used by resource).
	Resource string `yaml:"resource,omitempty"`
	Params   any    `yaml:"params,omitempty"`

	// Instance names the subscribed instance (used by subscriber and
	// update_count).
	Instance string `yaml:"instance,omitempty"`

	// Expect contains the expected entries in wire form.
	Expect []any `yaml:"expect,omitempty"`

	// Count is the expected number (used by update_count, version and
	// journal_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertCollection   = "collection"
	AssertResource     = "resource"
	AssertSubscriber   = "subscriber"
	AssertUpdateCount  = "update_count"
	AssertVersion      = "version"
	AssertJournalCount = "journal_count"
)

// LoadScenario reads and parses a scenario YAML file.
// The definition path is resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Definition != "" && !filepath.IsAbs(scenario.Definition) {
		scenario.Definition = filepath.Join(filepath.Dir(path), scenario.Definition)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Definition == "" {
		return fmt.Errorf("definition is required")
	}
	if _, err := os.Stat(s.Definition); os.IsNotExist(err) {
		return fmt.Errorf("definition not found: %s", s.Definition)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.History < 0 {
		return fmt.Errorf("history must be non-negative")
	}

	forkOpen := false
	for i, step := range s.Steps {
		op, err := step.op()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch {
		case op == "fork" && forkOpen:
			return fmt.Errorf("steps[%d]: a fork is already open", i)
		case op == "fork":
			forkOpen = true
		case op == "merge" || op == "abort":
			if !forkOpen {
				return fmt.Errorf("steps[%d]: %s without an open fork", i, op)
			}
			forkOpen = false
		case forkOpen && op != "update":
			return fmt.Errorf("steps[%d]: %s is not allowed while a fork is open", i, op)
		}
		if err := validateStep(i, op, step); err != nil {
			return err
		}
	}
	if forkOpen {
		return fmt.Errorf("fork left open at end of steps")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s.Journal); err != nil {
			return err
		}
	}
	return nil
}

// op names the single operation set on a step.
func (s Step) op() (string, error) {
	var ops []string
	if s.Update != nil {
		ops = append(ops, "update")
	}
	if s.Instantiate != nil {
		ops = append(ops, "instantiate")
	}
	if s.Subscribe != nil {
		ops = append(ops, "subscribe")
	}
	if s.Push != nil {
		ops = append(ops, "push")
	}
	if s.Unsubscribe != "" {
		ops = append(ops, "unsubscribe")
	}
	if s.Close != "" {
		ops = append(ops, "close")
	}
	if s.Fork != "" {
		ops = append(ops, "fork")
	}
	if s.Merge {
		ops = append(ops, "merge")
	}
	if s.Abort {
		ops = append(ops, "abort")
	}
	switch len(ops) {
	case 0:
		return "", fmt.Errorf("no operation")
	case 1:
		return ops[0], nil
	default:
		return "", fmt.Errorf("more than one operation: %v", ops)
	}
}

func validateStep(index int, op string, s Step) error {
	switch op {
	case "update":
		if s.Update.Collection == "" {
			return fmt.Errorf("steps[%d]: collection is required for update", index)
		}
		if _, err := toEntries(s.Update.Entries); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case "instantiate":
		if s.Instantiate.ID == "" || s.Instantiate.Resource == "" {
			return fmt.Errorf("steps[%d]: id and resource are required for instantiate", index)
		}
	case "subscribe":
		if s.Subscribe.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for subscribe", index)
		}
	case "push":
		if s.Push.Instance == "" || s.Push.Service == "" {
			return fmt.Errorf("steps[%d]: instance and service are required for push", index)
		}
		if _, err := toEntries(s.Push.Entries); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, journal bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCollection:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for collection", index)
		}
	case AssertResource:
		if a.Resource == "" {
			return fmt.Errorf("assertions[%d]: resource is required for resource", index)
		}
	case AssertSubscriber, AssertUpdateCount:
		if a.Instance == "" {
			return fmt.Errorf("assertions[%d]: instance is required for %s", index, a.Type)
		}
	case AssertVersion:
	case AssertJournalCount:
		if !journal {
			return fmt.Errorf("assertions[%d]: journal_count requires journal: true", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	if _, err := toEntries(a.Expect); err != nil {
		return fmt.Errorf("assertions[%d]: %w", index, err)
	}
	return nil
}

// toEntries converts YAML-decoded [key, [values...]] tuples into entries.
func toEntries(raw []any) ([]ir.Entry, error) {
	if raw == nil {
		return []ir.Entry{}, nil
	}
	v, err := ir.From(raw)
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	return ir.EntriesFromValue(v)
}

// toParams converts YAML-decoded params. Absent params stay nil so the
// resource defaults apply.
func toParams(raw any) (ir.Value, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := ir.From(raw)
	if err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return v, nil
}
