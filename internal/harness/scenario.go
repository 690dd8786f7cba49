package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cairn/internal/ir"
)

// Scenario is a scripted interaction between actors and one engine.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Tenant is shared by every actor. Defaults to "t1".
	Tenant string `yaml:"tenant,omitempty"`

	// Actors maps a short alias used in steps to a principal.
	Actors map[string]Actor `yaml:"actors"`

	// Grants are issued before the first step.
	Grants []GrantSpec `yaml:"grants,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Actor is a principal taking part in a scenario.
type Actor struct {
	User  string   `yaml:"user"`
	Role  ir.Role  `yaml:"role"`
	Sites []string `yaml:"sites,omitempty"`
}

// GrantSpec is an access grant issued during setup. Actor refers to an alias.
type GrantSpec struct {
	Actor      string        `yaml:"actor"`
	Scope      string        `yaml:"scope"`
	BreakGlass bool          `yaml:"break_glass,omitempty"`
	Ticket     string        `yaml:"ticket,omitempty"`
	ExpiresIn  time.Duration `yaml:"expires_in,omitempty"`
}

// Step is one action by one actor. Exactly one of Author, Drain, Submit and
// Advance is set.
type Step struct {
	Actor   string        `yaml:"actor,omitempty"`
	Author  *EventSpec    `yaml:"author,omitempty"`
	Drain   bool          `yaml:"drain,omitempty"`
	Submit  *EventSpec    `yaml:"submit,omitempty"`
	Advance time.Duration `yaml:"advance,omitempty"`
	Expect  *Expect       `yaml:"expect,omitempty"`
}

// EventSpec describes an event to author or submit.
type EventSpec struct {
	Aggregate     string         `yaml:"aggregate"`
	Type          string         `yaml:"type"`
	SchemaVersion string         `yaml:"schema_version,omitempty"`
	Site          string         `yaml:"site,omitempty"`
	Payload       map[string]any `yaml:"payload"`

	// ExpectedVersion is required for submit and ignored for author, where
	// the outbox assigns it.
	ExpectedVersion *int64 `yaml:"expected_version,omitempty"`
}

// Expect checks the outcome of a step. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code of a submit; empty expects success.
	Error           ir.ErrorCode `yaml:"error,omitempty"`
	CurrentVersion  *int64       `yaml:"current_version,omitempty"`
	ExpectedVersion *int64       `yaml:"expected_version,omitempty"`

	// Drain counters.
	Accepted  *int `yaml:"accepted,omitempty"`
	Rejected  *int `yaml:"rejected,omitempty"`
	Retried   *int `yaml:"retried,omitempty"`
	Rederived *int `yaml:"rederived,omitempty"`
}

// Assertion validates the end state of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Aggregate string `yaml:"aggregate,omitempty"`

	// Version is the expected aggregate version (version).
	Version int64 `yaml:"version,omitempty"`

	// Events is the expected event type order (event_order).
	Events []string `yaml:"events,omitempty"`

	// Fields is a subset of the expected derived fields (final_state).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Actor and Visible check read access (visible).
	Actor   string `yaml:"actor,omitempty"`
	Visible *bool  `yaml:"visible,omitempty"`
}

// Assertion types.
const (
	AssertVersion       = "version"
	AssertEventOrder    = "event_order"
	AssertReplayMatches = "replay_matches"
	AssertFinalState    = "final_state"
	AssertVisible       = "visible"
)

// LoadScenario reads a scenario file. Unknown fields are errors so typos in
// a scenario fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Tenant == "" {
		scenario.Tenant = "t1"
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Actors) == 0 {
		return fmt.Errorf("actors map is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for alias, a := range s.Actors {
		if a.User == "" {
			return fmt.Errorf("actors[%s]: user is required", alias)
		}
		if !ir.ValidRoles[a.Role] {
			return fmt.Errorf("actors[%s]: unknown role %q", alias, a.Role)
		}
	}
	for i, g := range s.Grants {
		if _, ok := s.Actors[g.Actor]; !ok {
			return fmt.Errorf("grants[%d]: unknown actor %q", i, g.Actor)
		}
		if g.Scope == "" {
			return fmt.Errorf("grants[%d]: scope is required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(s, i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, i int, step Step) error {
	set := 0
	if step.Author != nil {
		set++
	}
	if step.Drain {
		set++
	}
	if step.Submit != nil {
		set++
	}
	if step.Advance != 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of author, drain, submit or advance is required", i)
	}
	if step.Advance < 0 {
		return fmt.Errorf("steps[%d]: advance must be positive", i)
	}
	if step.Advance == 0 {
		if _, ok := s.Actors[step.Actor]; !ok {
			return fmt.Errorf("steps[%d]: unknown actor %q", i, step.Actor)
		}
	}
	for _, ev := range []*EventSpec{step.Author, step.Submit} {
		if ev == nil {
			continue
		}
		if ev.Aggregate == "" || ev.Type == "" {
			return fmt.Errorf("steps[%d]: aggregate and type are required", i)
		}
		if ev.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required (use an empty map if none)", i)
		}
	}
	if step.Submit != nil && step.Submit.ExpectedVersion == nil {
		return fmt.Errorf("steps[%d]: submit needs expected_version", i)
	}
	return nil
}

func validateAssertion(s *Scenario, i int, a Assertion) error {
	switch a.Type {
	case AssertVersion, AssertReplayMatches:
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", i)
		}
	case AssertFinalState:
		if len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: fields are required for final_state", i)
		}
	case AssertVisible:
		if _, ok := s.Actors[a.Actor]; !ok {
			return fmt.Errorf("assertions[%d]: unknown actor %q", i, a.Actor)
		}
		if a.Visible == nil {
			return fmt.Errorf("assertions[%d]: visible is required", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	if a.Aggregate == "" {
		return fmt.Errorf("assertions[%d]: aggregate is required", i)
	}
	return nil
}
