package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/turnstile/internal/checkin"
)

//go:embed policy.cue
var policySchema string

// policyFile mirrors the YAML layout of a ticket-type policy file.
type policyFile struct {
	Timezone               string                    `yaml:"timezone"`
	AllowedPaymentStatuses []string                  `yaml:"allowed_payment_statuses"`
	Default                checkin.Policy            `yaml:"default"`
	TicketTypes            map[string]checkin.Policy `yaml:"ticket_types"`
}

// LoadPolicyFile reads and validates the policy file at path.
// An empty path returns the default rules in the time zone tz.
func LoadPolicyFile(path, tz string) (checkin.Rules, error) {
	if path == "" {
		rules := checkin.DefaultRules()
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return checkin.Rules{}, fmt.Errorf("load time zone %q: %w", tz, err)
		}
		rules.Location = loc
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return checkin.Rules{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(path, data, tz)
}

// ParsePolicy validates data against the policy schema and converts it to
// admission rules. The file's timezone wins over tz.
func ParsePolicy(filename string, data []byte, tz string) (checkin.Rules, error) {
	if err := validatePolicy(filename, data); err != nil {
		return checkin.Rules{}, err
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return checkin.Rules{}, fmt.Errorf("decode policy file: %w", err)
	}

	if pf.Timezone != "" {
		tz = pf.Timezone
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return checkin.Rules{}, fmt.Errorf("load time zone %q: %w", tz, err)
	}

	if err := checkWindow("default", pf.Default); err != nil {
		return checkin.Rules{}, err
	}
	types := make(map[string]checkin.Policy, len(pf.TicketTypes))
	for name, p := range pf.TicketTypes {
		if err := checkWindow(name, p); err != nil {
			return checkin.Rules{}, err
		}
		types[name] = p
	}

	return checkin.Rules{
		AllowedPaymentStatuses: pf.AllowedPaymentStatuses,
		Default:                pf.Default,
		TicketTypes:            types,
		Location:               loc,
	}, nil
}

// validatePolicy unifies the YAML document with #PolicyFile. Errors carry
// file positions.
func validatePolicy(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile policy schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#PolicyFile")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid policy file:\n%s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func checkWindow(name string, p checkin.Policy) error {
	if p.ValidFrom != nil && p.ValidUntil != nil && p.ValidUntil.Before(*p.ValidFrom) {
		return fmt.Errorf("policy %q: valid_until is before valid_from", name)
	}
	return nil
}
