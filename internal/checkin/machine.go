package checkin

import (
	"time"

	"github.com/roach88/turnstile/internal/model"
)

const dateLayout = "2006-01-02"

// Intent is what a scan asks for.
type Intent struct {
	Direction model.Direction
	At        time.Time
	Entrance  string
}

// Decision is an accepted transition.
//
// Next is the attendee after the transition. Exactly one of OpenSession and
// CloseSession is set: entries open a session row, exits close the open one.
type Decision struct {
	Next         model.Attendee
	OpenSession  bool
	CloseSession bool
}

// DecideFunc computes the next attendee state from a locked snapshot.
// Stores call it inside their transition transaction; returning an error
// aborts the transition without side effects.
type DecideFunc func(current model.Attendee) (Decision, error)

// Decide evaluates a scan against the current attendee snapshot.
//
// Rules are evaluated in order and the first failing rule wins:
//  1. payment gate
//  2. direction "in": already inside, allowance, validity window, entrance,
//     daily/weekly/monthly limits
//  3. direction "out": must be inside
//
// Decide is pure. The caller must hold the per-ticket lock for the snapshot
// to stay current while the decision is persisted. Unknown tickets never
// reach Decide; stores report them as NotFound.
func Decide(rules Rules, current model.Attendee, in Intent) (Decision, error) {
	if !in.Direction.Valid() {
		return Decision{}, Newf(CodeValidation, "unknown direction %q", in.Direction)
	}
	if !rules.PaymentAllowed(current.PaymentStatus) {
		return Decision{}, Newf(CodePaymentInvalid, "payment status %q does not permit entry", current.PaymentStatus)
	}

	policy := rules.PolicyFor(current.TicketType)
	if in.Direction == model.DirectionIn {
		return decideEntry(rules, policy, current, in)
	}
	return decideExit(policy, current, in)
}

func decideEntry(rules Rules, policy Policy, current model.Attendee, in Intent) (Decision, error) {
	if current.IsCurrentlyInside {
		return Decision{}, New(CodeAlreadyInside, "attendee is already inside")
	}
	if !current.Unlimited() && current.CheckinsRemaining <= 0 {
		return Decision{}, Newf(CodeLimitExceeded, "no check-ins remaining (allowed %d)", current.AllowedCheckins)
	}
	if policy.ValidFrom != nil && in.At.Before(*policy.ValidFrom) {
		return Decision{}, Newf(CodeNotYetValid, "ticket valid from %s", policy.ValidFrom.Format(time.RFC3339))
	}
	if policy.ValidUntil != nil && in.At.After(*policy.ValidUntil) {
		return Decision{}, Newf(CodeExpired, "ticket expired at %s", policy.ValidUntil.Format(time.RFC3339))
	}
	if !policy.EntranceAllowed(in.Entrance) {
		return Decision{}, Newf(CodeEntranceNotAllowed, "entrance %q not allowed for ticket type %q", in.Entrance, current.TicketType)
	}

	counters := rollCounters(current, in.At.In(rules.location()))
	if policy.DailyLimit > 0 && counters.daily >= policy.DailyLimit {
		return Decision{}, Newf(CodeDailyLimitExceeded, "daily limit of %d reached", policy.DailyLimit)
	}
	if policy.WeeklyLimit > 0 && counters.weekly >= policy.WeeklyLimit {
		return Decision{}, Newf(CodeWeeklyLimitExceeded, "weekly limit of %d reached", policy.WeeklyLimit)
	}
	if policy.MonthlyLimit > 0 && counters.monthly >= policy.MonthlyLimit {
		return Decision{}, Newf(CodeMonthlyLimitExceeded, "monthly limit of %d reached", policy.MonthlyLimit)
	}

	at := in.At
	next := current
	next.IsCurrentlyInside = true
	if !next.Unlimited() {
		next.CheckinsRemaining--
	}
	next.CheckedInAt = &at
	next.LastCheckedInDate = counters.date
	next.DailyScanCount = counters.daily + 1
	next.WeeklyScanCount = counters.weekly + 1
	next.MonthlyScanCount = counters.monthly + 1
	next.LastEntrance = in.Entrance

	return Decision{Next: next, OpenSession: true}, nil
}

func decideExit(policy Policy, current model.Attendee, in Intent) (Decision, error) {
	if !current.IsCurrentlyInside {
		return Decision{}, New(CodeNotCheckedIn, "attendee is not inside")
	}

	at := in.At
	next := current
	next.IsCurrentlyInside = false
	next.CheckedOutAt = &at
	if policy.ReentryRestoresAllowance && !next.Unlimited() && next.CheckinsRemaining < next.AllowedCheckins {
		next.CheckinsRemaining++
	}

	return Decision{Next: next, CloseSession: true}, nil
}

type periodCounters struct {
	date    string
	daily   int
	weekly  int
	monthly int
}

// rollCounters returns the counters as they stand at local time now, reset
// for every calendar boundary crossed since LastCheckedInDate.
func rollCounters(a model.Attendee, now time.Time) periodCounters {
	c := periodCounters{
		date:    now.Format(dateLayout),
		daily:   a.DailyScanCount,
		weekly:  a.WeeklyScanCount,
		monthly: a.MonthlyScanCount,
	}

	last, err := time.ParseInLocation(dateLayout, a.LastCheckedInDate, now.Location())
	if err != nil {
		// No previous entry (or unreadable date): every period starts fresh.
		c.daily, c.weekly, c.monthly = 0, 0, 0
		return c
	}

	if last.Format(dateLayout) != c.date {
		c.daily = 0
	}
	lastYear, lastWeek := last.ISOWeek()
	year, week := now.ISOWeek()
	if lastYear != year || lastWeek != week {
		c.weekly = 0
	}
	if last.Year() != now.Year() || last.Month() != now.Month() {
		c.monthly = 0
	}
	return c
}
