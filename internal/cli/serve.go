package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/auth"
	"github.com/roach88/turnstile/internal/batch"
	"github.com/roach88/turnstile/internal/config"
	"github.com/roach88/turnstile/internal/engine"
	"github.com/roach88/turnstile/internal/httpapi"
	"github.com/roach88/turnstile/internal/occupancy"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the check-in API server",
		Long: `Run the check-in API server.

Opens the configured database (SQLite by default, PostgreSQL when
TURNSTILE_DB_DRIVER=postgres), loads the ticket policy file and serves
/api/v1 until SIGINT or SIGTERM. Expired idempotency records are swept
on the TURNSTILE_LEDGER_SWEEP schedule.

Example:
  TURNSTILE_JWT_SECRET=s3cret turnstile serve
  turnstile serve --addr :9090 --env-file prod.env`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides TURNSTILE_ADDR)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}

	rules, err := config.LoadPolicyFile(cfg.PolicyFile, cfg.Timezone)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openBackend(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	occ := occupancy.NewCache(st, cfg.OccupancyTTL)
	hub := occupancy.NewHub(occ)
	eng := engine.New(st,
		engine.WithRules(rules),
		engine.WithNotifier(hub),
		engine.WithPolling(cfg.PollAttempts, cfg.PollInterval),
		engine.WithProcessingTimeout(cfg.ItemTimeout),
	)
	processor := batch.New(eng,
		batch.WithConcurrency(cfg.BatchConcurrency),
		batch.WithItemTimeout(cfg.ItemTimeout),
	)

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(httpapi.Config{
		Scanner:     eng,
		Batch:       processor,
		Attendees:   st,
		Occupancy:   occ,
		Feed:        hub,
		Verifier:    auth.NewVerifier(cfg.JWTSecret),
		MaxBatch:    cfg.MaxBatch,
		CORSOrigins: cfg.CORSOrigins,
		ItemTimeout: cfg.ItemTimeout,
	})

	sweeper, err := startLedgerSweep(ctx, st, cfg.LedgerSweep, cfg.LedgerRetention, time.Now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to schedule ledger sweep", err)
	}
	defer func() { <-sweeper.Stop().Done() }()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr, "driver", cfg.DBDriver)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			hub.Close()
			return WrapExitError(ExitCommandError, "server failed", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	// Occupancy streams only end when the hub closes their channels.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "graceful shutdown failed", err)
	}
	slog.Info("server stopped")
	return nil
}

// ledgerPruner deletes completed idempotency records older than a cutoff.
type ledgerPruner interface {
	PruneLedger(ctx context.Context, cutoff time.Time) (int64, error)
}

// startLedgerSweep runs sweepLedger on the cron schedule spec.
func startLedgerSweep(ctx context.Context, p ledgerPruner, spec string, retention time.Duration, now func() time.Time) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := sweepLedger(ctx, p, retention, now); err != nil {
			slog.Warn("ledger sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// sweepLedger prunes records older than retention. A non-positive
// retention keeps everything.
func sweepLedger(ctx context.Context, p ledgerPruner, retention time.Duration, now func() time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := p.PruneLedger(ctx, now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("ledger swept", "removed", n, "retention", retention)
	}
	return n, nil
}
