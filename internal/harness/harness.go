package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/config"
	"github.com/roach88/turnstile/internal/engine"
	"github.com/roach88/turnstile/internal/model"
	"github.com/roach88/turnstile/internal/store"
	"github.com/roach88/turnstile/internal/testutil"
)

// Harness executes one scenario against a private store and engine.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	clock   *testutil.FakeClock
	keys    *testutil.KeySequence
	eventID string
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. The engine shares the
// scenario's fake clock, so decision times and traces are reproducible.
//
// Execution flow:
//  1. Create fresh in-memory database
//  2. Seed the event and attendees, build rules from the inline policy
//  3. Execute steps, checking expect clauses
//  4. Evaluate assertions against the trace and final state
//
// A returned error means the scenario could not be executed at all; failed
// expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	rules, err := scenarioRules(scenario)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewFakeClock(scenario.Start)
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store: st,
		engine: engine.New(st,
			engine.WithRules(rules),
			engine.WithClock(clock),
			engine.WithPolling(1, time.Millisecond),
		),
		clock:   clock,
		keys:    testutil.NewKeySequence("step"),
		eventID: scenario.Event.ID,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	checker := Checker{State: st, EventID: scenario.Event.ID}
	for _, msg := range checker.Check(ctx, result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// scenarioRules converts the inline policy through the same schema
// validation as a policy file on disk.
func scenarioRules(s *Scenario) (checkin.Rules, error) {
	if s.Policy.Kind == 0 {
		return config.LoadPolicyFile("", "UTC")
	}
	data, err := yaml.Marshal(&s.Policy)
	if err != nil {
		return checkin.Rules{}, fmt.Errorf("encode scenario policy: %w", err)
	}
	rules, err := config.ParsePolicy(s.Name+".policy.yaml", data, "UTC")
	if err != nil {
		return checkin.Rules{}, fmt.Errorf("scenario policy: %w", err)
	}
	return rules, nil
}

func (h *Harness) seed(ctx context.Context, s *Scenario) error {
	ev := model.Event{
		ID:       s.Event.ID,
		Name:     s.Event.Name,
		Capacity: s.Event.Capacity,
		Status:   s.Event.Status,
	}
	if err := h.store.PutEvent(ctx, ev); err != nil {
		return err
	}
	return h.importAttendees(ctx, s.Attendees)
}

func (h *Harness) importAttendees(ctx context.Context, attendees []model.Attendee) error {
	if len(attendees) == 0 {
		return nil
	}
	rows := make([]model.Attendee, len(attendees))
	for i, a := range attendees {
		a.EventID = h.eventID
		// Deterministic ids keep final_state assertions and traces stable.
		if a.ID == "" {
			a.ID = "att-" + checkin.NormalizeTicketCode(a.TicketCode)
		}
		rows[i] = a
	}
	_, err := h.store.UpsertAttendees(ctx, rows)
	return err
}

// executeStep runs one step, records it in the trace and checks its
// expect clause.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	at := h.clock.Advance(step.Advance)
	event := TraceEvent{Step: index, Kind: step.Kind(), At: at}

	switch step.Kind() {
	case StepImport:
		if err := h.importAttendees(ctx, step.Import); err != nil {
			return fmt.Errorf("import attendees: %w", err)
		}
		event.Imported = len(step.Import)
		result.AddTrace(event)
		h.logger.Info("import step completed", "step", index, "rows", event.Imported)
		return nil

	case StepEventStatus:
		if err := h.store.SetEventStatus(ctx, h.eventID, step.EventStatus); err != nil {
			return fmt.Errorf("set event status: %w", err)
		}
		event.EventStatus = step.EventStatus
		result.AddTrace(event)
		return nil
	}

	key := step.Key
	if key == "" {
		key = h.keys.Next()
	}
	req := model.ScanRequest{
		IdempotencyKey: key,
		TicketCode:     step.Ticket,
		Direction:      step.Direction,
		EntranceName:   step.Entrance,
		OperatorName:   step.Operator,
	}
	if step.ScannedAgo > 0 {
		req.ScannedAt = at.Add(-step.ScannedAgo)
	}

	// A non-nil error is already reflected in res; the scenario decides
	// whether it was expected.
	res, _ := h.engine.Scan(ctx, h.eventID, req)

	event.Key = key
	event.Ticket = res.TicketCode
	event.Direction = step.Direction
	event.Entrance = step.Entrance
	event.Status = res.Status
	event.Code = res.Code
	event.Remaining = res.CheckinsRemaining
	event.Retryable = res.Retryable
	result.AddTrace(event)

	if step.Expect != nil {
		for _, msg := range checkExpect(index, step.Expect, res) {
			result.AddError(msg)
		}
	}

	h.logger.Info("scan step completed",
		"step", index,
		"idempotency_key", key,
		"status", res.Status,
		"code", res.Code,
	)
	return nil
}

func checkExpect(index int, exp *Expect, res model.ScanResult) []string {
	var errs []string
	if res.Status != exp.Status {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected status %q, got %q (code %q)", index, exp.Status, res.Status, res.Code))
	}
	if exp.Code != "" && res.Code != exp.Code {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected code %q, got %q", index, exp.Code, res.Code))
	}
	if exp.Remaining != nil {
		switch {
		case res.CheckinsRemaining == nil:
			errs = append(errs, fmt.Sprintf("steps[%d]: expected remaining %d, got none", index, *exp.Remaining))
		case *res.CheckinsRemaining != *exp.Remaining:
			errs = append(errs, fmt.Sprintf("steps[%d]: expected remaining %d, got %d", index, *exp.Remaining, *res.CheckinsRemaining))
		}
	}
	if exp.Retryable != nil && res.Retryable != *exp.Retryable {
		errs = append(errs, fmt.Sprintf("steps[%d]: expected retryable %t, got %t", index, *exp.Retryable, res.Retryable))
	}
	return errs
}
