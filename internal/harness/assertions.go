package harness

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/turnstile/internal/model"
)

// validIdentifier guards column names interpolated into final_state queries.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stateTables lists the tables final_state may query and the column that
// scopes each one to the scenario's event.
var stateTables = map[string]string{
	"events":             "id",
	"attendees":          "event_id",
	"sessions":           "event_id",
	"idempotency_ledger": "event_id",
}

// AssertionError describes one failed assertion. Trace is attached to
// trace assertions so the failure can be read without rerunning.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: want %s, got %s", e.Type, e.Expected, e.Actual)
	for _, ev := range e.Trace {
		if ev.Kind != StepScan {
			fmt.Fprintf(&b, "\n  #%d %s", ev.Step, ev.Kind)
			continue
		}
		fmt.Fprintf(&b, "\n  #%d %s %s %s -> %s", ev.Step, ev.Key, ev.Ticket, ev.Direction, ev.Status)
		if ev.Code != "" {
			fmt.Fprintf(&b, " %s", ev.Code)
		}
	}
	return b.String()
}

// assertTraceContains checks that at least one trace event matches.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if matchFields(ev.fields(), assertion.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event matching %s", formatConditions(assertion.Match)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that scans with the listed keys appear in order.
// Keys don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Key != "" && positions[ev.Key] == 0 {
			positions[ev.Key] = i + 1
		}
	}

	for _, key := range assertion.Keys {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all keys present: %v", assertion.Keys),
				Actual:   fmt.Sprintf("missing key: %s", key),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Keys); i++ {
		prev, curr := assertion.Keys[i-1], assertion.Keys[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("keys in order: %v", assertion.Keys),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchFields(ev.fields(), assertion.Match) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events matching %s", assertion.Count, formatConditions(assertion.Match)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks one row of a state table using subset semantics.
// The where clause is always scoped to the scenario's event.
func assertFinalState(ctx context.Context, st stateSource, eventID string, assertion Assertion) error {
	scope, ok := stateTables[assertion.Table]
	if !ok {
		return fmt.Errorf("final_state: unknown table %q", assertion.Table)
	}

	where := make(map[string]interface{}, len(assertion.Where)+1)
	for k, v := range assertion.Where {
		where[k] = v
	}
	where[scope] = eventID

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", assertion.Table, whereSQL)
	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatConditions(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatConditions(assertion.Where)),
			Actual:   "several matching rows",
		}
	}

	actualRow := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expected := assertion.Expect[key]
		actual, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expected, expected),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

// assertSessions checks the session history of one ticket.
func assertSessions(ctx context.Context, st stateSource, eventID string, assertion Assertion) error {
	a, err := st.Attendee(ctx, eventID, assertion.Ticket)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	sessions, err := st.Sessions(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	open := 0
	for _, s := range sessions {
		if s.Open() {
			open++
		}
	}
	if len(sessions) != assertion.Count {
		return &AssertionError{
			Type:     AssertSessions,
			Expected: fmt.Sprintf("%d sessions for %s", assertion.Count, assertion.Ticket),
			Actual:   fmt.Sprintf("%d sessions", len(sessions)),
		}
	}
	if assertion.Open != nil && open != *assertion.Open {
		return &AssertionError{
			Type:     AssertSessions,
			Expected: fmt.Sprintf("%d open sessions for %s", *assertion.Open, assertion.Ticket),
			Actual:   fmt.Sprintf("%d open sessions", open),
		}
	}
	return nil
}

// assertOccupancy checks the derived occupancy of the event.
func assertOccupancy(ctx context.Context, st stateSource, eventID string, assertion Assertion) error {
	occ, err := st.Occupancy(ctx, eventID)
	if err != nil {
		return fmt.Errorf("occupancy: %w", err)
	}
	if assertion.Inside != nil && occ.Inside != *assertion.Inside {
		return &AssertionError{
			Type:     AssertOccupancy,
			Expected: fmt.Sprintf("%d inside", *assertion.Inside),
			Actual:   fmt.Sprintf("%d inside", occ.Inside),
		}
	}
	for _, entrance := range sortedKeys(assertion.ByEntrance) {
		want := assertion.ByEntrance[entrance]
		if got := occ.ByEntrance[entrance]; got != want {
			return &AssertionError{
				Type:     AssertOccupancy,
				Expected: fmt.Sprintf("%d inside via %s", want, entrance),
				Actual:   fmt.Sprintf("%d inside via %s", got, entrance),
			}
		}
	}
	return nil
}

// buildWhereClause joins where into a parameterized condition, columns in
// sorted order.
func buildWhereClause(where map[string]interface{}) (string, []interface{}, error) {
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause", key)
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL argument.
func toSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string, int, int64:
		return val
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatConditions renders conditions as "a=1 AND b=2".
func formatConditions(conds map[string]interface{}) string {
	if len(conds) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(conds))
	for _, k := range sortedKeys(conds) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, conds[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML-decoded expected value with a value read
// from SQLite or a trace event. SQLite returns integers as int64 and stores
// booleans as 0/1.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case int:
		switch act := actual.(type) {
		case int64:
			return int64(exp) == act
		case int:
			return exp == act
		}
		return false
	case int64:
		if act, ok := actual.(int64); ok {
			return exp == act
		}
		return false
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// matchFields checks that actual contains every expected field.
func matchFields(actual, expected map[string]interface{}) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !stateValuesEqual(want, got) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// stateSource is the read side of the store used by state assertions.
type stateSource interface {
	DB() *sql.DB
	Attendee(ctx context.Context, eventID, ticketCode string) (model.Attendee, error)
	Sessions(ctx context.Context, attendeeID string) ([]model.Session, error)
	Occupancy(ctx context.Context, eventID string) (model.Occupancy, error)
}

// Checker evaluates scenario assertions after the last step. With a nil
// State only trace assertions can pass.
type Checker struct {
	State   stateSource
	EventID string
}

// Check returns one message per failed assertion, in declaration order.
func (c Checker) Check(ctx context.Context, trace []TraceEvent, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := c.check(ctx, trace, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion[%d] %v", i, err))
		}
	}
	return failures
}

func (c Checker) check(ctx context.Context, trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	}

	var stateCheck func(context.Context, stateSource, string, Assertion) error
	switch a.Type {
	case AssertFinalState:
		stateCheck = assertFinalState
	case AssertSessions:
		stateCheck = assertSessions
	case AssertOccupancy:
		stateCheck = assertOccupancy
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if c.State == nil {
		return fmt.Errorf("%s needs the final store state", a.Type)
	}
	return stateCheck(ctx, c.State, c.EventID, a)
}
