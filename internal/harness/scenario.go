package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a runtime test scenario: event types, statements, a
// sequence of sends and clock moves, and assertions over the listener trace.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the default runtime configuration. Same shape as the
	// config file.
	Config yaml.Node `yaml:"config,omitempty"`

	// Types declares event types before statements are compiled.
	Types []TypeSpec `yaml:"types,omitempty"`

	// Statements holds inline CUE source.
	Statements string `yaml:"statements,omitempty"`

	// Specs lists CUE files to compile alongside the inline source.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs,omitempty"`

	// Steps run in order after deployment.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace.
	// Supported types: trace_count, trace_order, not_delivered, trace_contains
	Assertions []Assertion `yaml:"assertions"`
}

// TypeSpec declares an event type.
type TypeSpec struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Properties []string `yaml:"properties,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Send        *SendStep        `yaml:"send,omitempty"`
	Advance     *int64           `yaml:"advance,omitempty"`
	AdvanceSpan *AdvanceSpanStep `yaml:"advance_span,omitempty"`
}

// SendStep sends one event. Exactly one payload field is set; the field
// picks the representation.
type SendStep struct {
	Type  string         `yaml:"type"`
	Event map[string]any `yaml:"event,omitempty"`
	Array []any          `yaml:"array,omitempty"`
	JSON  string         `yaml:"json,omitempty"`
}

// AdvanceSpanStep moves the clock to To, firing schedules on the way.
type AdvanceSpanStep struct {
	To         int64 `yaml:"to"`
	Resolution int64 `yaml:"resolution,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_count": Statement appears exactly Count times
	// - "trace_order": Statements appear in this relative order
	// - "not_delivered": Statement never appears
	// - "trace_contains": Statement delivered an event with these properties
	Type string `yaml:"type"`

	Statement  string         `yaml:"statement,omitempty"`
	Count      int            `yaml:"count,omitempty"`
	Statements []string       `yaml:"statements,omitempty"`
	Event      map[string]any `yaml:"event,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertNotDelivered  = "not_delivered"
	AssertTraceContains = "trace_contains"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i, specPath := range s.Specs {
		if !filepath.IsAbs(specPath) {
			s.Specs[i] = filepath.Join(base, specPath)
		}
	}
	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: spec file not found: %s", specPath)
		}
	}
	return s, nil
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	if s.Statements == "" && len(s.Specs) == 0 {
		return fmt.Errorf("statements or specs is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, ts := range s.Types {
		if ts.Name == "" {
			return fmt.Errorf("types[%d]: name is required", i)
		}
	}

	for i, step := range s.Steps {
		set := 0
		if step.Send != nil {
			set++
			if err := validateSend(i, step.Send); err != nil {
				return err
			}
		}
		if step.Advance != nil {
			set++
		}
		if step.AdvanceSpan != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of send, advance or advance_span is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateSend(index int, s *SendStep) error {
	if s.Type == "" {
		return fmt.Errorf("steps[%d].send: type is required", index)
	}
	set := 0
	if s.Event != nil {
		set++
	}
	if s.Array != nil {
		set++
	}
	if s.JSON != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d].send: exactly one of event, array or json is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceCount:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Statements) == 0 {
			return fmt.Errorf("assertions[%d]: statements list is required for trace_order", index)
		}
	case AssertNotDelivered:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for not_delivered", index)
		}
	case AssertTraceContains:
		if a.Statement == "" {
			return fmt.Errorf("assertions[%d]: statement is required for trace_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
