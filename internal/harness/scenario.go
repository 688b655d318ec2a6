package harness

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/turnstile/internal/model"
)

// Scenario is one check-in conformance test loaded from YAML.
//
// Steps run in order against a fresh store. A step either scans a ticket,
// imports attendee records, or changes the event status. The clock only
// moves when a step says so, which keeps traces byte-stable.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Start is the fake clock's initial time. Zero uses testutil.Epoch.
	Start time.Time `yaml:"start,omitempty"`

	Event     EventFixture     `yaml:"event"`
	Attendees []model.Attendee `yaml:"attendees"`

	// Policy is an inline policy document in the same layout as a policy
	// file. Empty means the default rules in UTC.
	Policy yaml.Node `yaml:"policy,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// EventFixture seeds the event every step runs against.
type EventFixture struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name,omitempty"`
	Capacity int               `yaml:"capacity,omitempty"`
	Status   model.EventStatus `yaml:"status,omitempty"`
}

// Step is a single scenario action.
type Step struct {
	// Advance moves the clock forward before the step runs.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Scan fields. Key defaults to a generated "step-N" key.
	Key       string          `yaml:"key,omitempty"`
	Ticket    string          `yaml:"ticket,omitempty"`
	Direction model.Direction `yaml:"direction,omitempty"`
	Entrance  string          `yaml:"entrance,omitempty"`
	Operator  string          `yaml:"operator,omitempty"`

	// ScannedAgo backdates scanned_at relative to the clock, as an offline
	// device would.
	ScannedAgo time.Duration `yaml:"scanned_ago,omitempty"`

	// Import upserts attendee records instead of scanning.
	Import []model.Attendee `yaml:"import,omitempty"`

	// EventStatus changes the event status instead of scanning.
	EventStatus model.EventStatus `yaml:"event_status,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Kind reports which action the step performs.
func (s Step) Kind() string {
	switch {
	case len(s.Import) > 0:
		return StepImport
	case s.EventStatus != "":
		return StepEventStatus
	default:
		return StepScan
	}
}

// Step kinds.
const (
	StepScan        = "scan"
	StepImport      = "import"
	StepEventStatus = "event_status"
)

// Expect is checked against a scan step's result. Only set fields are
// compared.
type Expect struct {
	Status    model.ScanStatus `yaml:"status"`
	Code      string           `yaml:"code,omitempty"`
	Remaining *int             `yaml:"remaining,omitempty"`
	Retryable *bool            `yaml:"retryable,omitempty"`
}

// Assertion is a post-run check over the trace or the final store state.
type Assertion struct {
	Type string `yaml:"type"`

	// Match selects trace events for trace_contains and trace_count.
	// Keys are trace field names: key, ticket, direction, entrance, status,
	// code, remaining.
	Match map[string]interface{} `yaml:"match,omitempty"`

	// Keys lists idempotency keys for trace_order.
	Keys []string `yaml:"keys,omitempty"`

	// Count is the expected number of matches (trace_count) or sessions.
	Count int `yaml:"count,omitempty"`

	// final_state fields.
	Table  string                 `yaml:"table,omitempty"`
	Where  map[string]interface{} `yaml:"where,omitempty"`
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// sessions fields.
	Ticket string `yaml:"ticket,omitempty"`
	Open   *int   `yaml:"open,omitempty"`

	// occupancy fields.
	Inside     *int           `yaml:"inside,omitempty"`
	ByEntrance map[string]int `yaml:"by_entrance,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertSessions      = "sessions"
	AssertOccupancy     = "occupancy"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// errors so that typos fail loudly instead of silently skipping a check.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Event.ID == "" {
		return fmt.Errorf("event.id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, a := range s.Attendees {
		if a.TicketCode == "" {
			return fmt.Errorf("attendees[%d]: ticket_code is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	if step.Advance < 0 {
		return fmt.Errorf("steps[%d]: advance must not be negative", index)
	}
	actions := 0
	if step.Ticket != "" {
		actions++
	}
	if len(step.Import) > 0 {
		actions++
	}
	if step.EventStatus != "" {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of ticket, import or event_status is required", index)
	}

	switch step.Kind() {
	case StepScan:
		if !step.Direction.Valid() {
			return fmt.Errorf("steps[%d]: direction must be in or out, got %q", index, step.Direction)
		}
	case StepEventStatus:
		switch step.EventStatus {
		case model.EventActive, model.EventSyncing, model.EventArchived:
		default:
			return fmt.Errorf("steps[%d]: unknown event_status %q", index, step.EventStatus)
		}
		if step.Expect != nil {
			return fmt.Errorf("steps[%d]: expect only applies to scans", index)
		}
	case StepImport:
		if step.Expect != nil {
			return fmt.Errorf("steps[%d]: expect only applies to scans", index)
		}
	}

	if step.Expect != nil {
		switch step.Expect.Status {
		case model.ScanSuccess, model.ScanDuplicate, model.ScanError:
		default:
			return fmt.Errorf("steps[%d].expect: unknown status %q", index, step.Expect.Status)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Keys) < 2 {
			return fmt.Errorf("assertions[%d]: at least two keys are required for trace_order", index)
		}
	case AssertTraceCount:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertSessions:
		if a.Ticket == "" {
			return fmt.Errorf("assertions[%d]: ticket is required for sessions", index)
		}
	case AssertOccupancy:
		if a.Inside == nil && len(a.ByEntrance) == 0 {
			return fmt.Errorf("assertions[%d]: inside or by_entrance is required for occupancy", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
