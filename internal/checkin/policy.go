package checkin

import (
	"strings"
	"time"
)

// Policy is the per-ticket-type configuration consulted by Decide.
// Zero limits mean "no limit"; a nil window bound means "unbounded".
type Policy struct {
	AllowedEntrances []string `json:"allowed_entrances,omitempty" yaml:"allowed_entrances"`

	// ReentryRestoresAllowance gives back one check-in on exit. Off by default:
	// allowance is consumed per entry, not per time spent inside.
	ReentryRestoresAllowance bool `json:"reentry_restores_allowance" yaml:"reentry_restores_allowance"`

	DailyLimit   int `json:"daily_limit,omitempty" yaml:"daily_limit"`
	WeeklyLimit  int `json:"weekly_limit,omitempty" yaml:"weekly_limit"`
	MonthlyLimit int `json:"monthly_limit,omitempty" yaml:"monthly_limit"`

	ValidFrom  *time.Time `json:"valid_from,omitempty" yaml:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until"`
}

// EntranceAllowed reports whether entrance may admit this ticket type.
func (p Policy) EntranceAllowed(entrance string) bool {
	if len(p.AllowedEntrances) == 0 {
		return true
	}
	for _, e := range p.AllowedEntrances {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(entrance)) {
			return true
		}
	}
	return false
}

// Rules bundles everything Decide needs besides the attendee snapshot.
type Rules struct {
	// AllowedPaymentStatuses is the allow-set of payment_status values.
	// Compared case-insensitively.
	AllowedPaymentStatuses []string

	// Default applies to ticket types without an entry in TicketTypes.
	Default Policy

	TicketTypes map[string]Policy

	// Location is the calendar used for daily/weekly/monthly counters.
	Location *time.Location
}

// DefaultRules admits "completed" payments with no per-type restrictions.
func DefaultRules() Rules {
	return Rules{
		AllowedPaymentStatuses: []string{"completed"},
		TicketTypes:            map[string]Policy{},
		Location:               time.UTC,
	}
}

// PolicyFor returns the policy for ticketType, falling back to Default.
func (r Rules) PolicyFor(ticketType string) Policy {
	if p, ok := r.TicketTypes[ticketType]; ok {
		return p
	}
	return r.Default
}

// PaymentAllowed reports whether status is in the allow-set.
func (r Rules) PaymentAllowed(status string) bool {
	status = strings.TrimSpace(status)
	for _, s := range r.AllowedPaymentStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

func (r Rules) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}
