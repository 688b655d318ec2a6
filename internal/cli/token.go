package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/auth"
	"github.com/roach88/turnstile/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	EventID string
	Role    string
	Subject string
	TTL     time.Duration
}

// TokenResult is the minted token and its scope.
type TokenResult struct {
	Token   string    `json:"token"`
	EventID string    `json:"event_id"`
	Role    auth.Role `json:"role"`
	Subject string    `json:"subject,omitempty"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a device or dashboard",
		Long: `Mint a bearer token signed with TURNSTILE_JWT_SECRET.

The token binds its holder to one event. Scanner tokens may submit scans
and sync; observer tokens may only read occupancy.

Example:
  turnstile token --event evt-1 --subject door-north
  turnstile token --event evt-1 --role observer --ttl 8h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "event", "", "event the token is scoped to (required)")
	_ = cmd.MarkFlagRequired("event")
	cmd.Flags().StringVar(&opts.Role, "role", string(auth.RoleScanner), "scanner|observer|admin")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "device or user the token is issued to")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (overrides TURNSTILE_TOKEN_TTL)")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	ttl := cfg.TokenTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	role := auth.Role(opts.Role)
	token, err := auth.NewIssuer(cfg.JWTSecret, ttl).Issue(opts.EventID, role, opts.Subject)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to issue token", err)
	}

	result := TokenResult{Token: token, EventID: opts.EventID, Role: role, Subject: opts.Subject}
	return opts.printer(cmd).Result(result, func(w io.Writer) {
		fmt.Fprintln(w, token)
	})
}
