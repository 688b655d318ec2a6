package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/turnstile/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool
	Filter    string // glob on the file name without extension
	GoldenDir string // defaults to <scenarios-dir>/golden
}

// ScenarioOutcome is the verdict for one scenario file.
type ScenarioOutcome struct {
	Name     string               `json:"name"`
	File     string               `json:"file"`
	Pass     bool                 `json:"pass"`
	Steps    int                  `json:"steps"`
	Golden   harness.GoldenStatus `json:"golden,omitempty"`
	Failures []string             `json:"failures,omitempty"`
}

// SuiteResult summarizes a test run.
type SuiteResult struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run check-in scenarios against the engine",
		Long: `Run check-in scenarios against the engine.

Each scenario seeds an in-memory store, drives the engine through its
steps on a simulated clock and checks its assertions. When a golden file
exists the recorded trace must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing directory, bad filter)

Examples:
  turnstile test ./scenarios
  turnstile test ./scenarios --filter "ticket_*"
  turnstile test ./scenarios --update
  turnstile test ./scenarios --golden ./golden --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files from the current traces")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose file name matches this glob")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default <scenarios-dir>/golden)")

	return cmd
}

func runTests(cmd *cobra.Command, opts *TestOptions, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	p := opts.printer(cmd)
	progress := cmd.OutOrStdout()
	if p.JSON {
		progress = io.Discard
	}

	suite := SuiteResult{Scenarios: make([]ScenarioOutcome, 0, len(files))}
	for _, file := range files {
		outcome := runScenario(cmd, opts, file)
		printOutcome(progress, outcome)
		for _, f := range outcome.Failures {
			p.Debugf("%s: %s", outcome.Name, f)
		}

		suite.Scenarios = append(suite.Scenarios, outcome)
		if outcome.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}

	if suite.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", suite.Failed)
		if p.JSON {
			if err := p.Fail("E_TEST_FAILED", msg, suite); err != nil {
				return err
			}
		} else {
			printSummary(progress, suite)
		}
		return NewExitError(ExitFailure, msg)
	}

	return p.Result(suite, func(w io.Writer) {
		if len(files) == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		printSummary(w, suite)
		fmt.Fprintln(w, "✓ All scenarios passed")
	})
}

// findScenarioFiles lists the YAML files under dir in lexical order,
// skipping golden directories.
func findScenarioFiles(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", filter, err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			if ok, _ := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext)); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenario(cmd *cobra.Command, opts *TestOptions, file string) ScenarioOutcome {
	outcome := ScenarioOutcome{Name: filepath.Base(file), File: file}
	fail := func(msgs ...string) ScenarioOutcome {
		outcome.Pass = false
		outcome.Failures = append(outcome.Failures, msgs...)
		return outcome
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(fmt.Sprintf("failed to load scenario: %v", err))
	}
	outcome.Name = scenario.Name

	result, err := harness.Run(cmd.Context(), scenario)
	if err != nil {
		return fail(fmt.Sprintf("execution failed: %v", err))
	}
	outcome.Steps = len(result.Trace)

	golden := goldenFilePath(opts.GoldenDir, file)
	if opts.Update {
		if err := harness.WriteGolden(golden, scenario.Name, result); err != nil {
			return fail(fmt.Sprintf("failed to update golden file: %v", err))
		}
		outcome.Golden = harness.GoldenUpdated
	} else {
		outcome.Golden, err = harness.CompareGolden(golden, scenario.Name, result)
		if err != nil {
			return fail(fmt.Sprintf("golden comparison failed: %v", err))
		}
		if outcome.Golden == harness.GoldenMismatch {
			outcome.Failures = append(outcome.Failures, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	outcome.Failures = append(outcome.Failures, result.Errors...)
	outcome.Pass = len(outcome.Failures) == 0
	return outcome
}

// goldenFilePath names the golden file after the scenario file.
func goldenFilePath(goldenDir, scenarioFile string) string {
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(scenarioFile), "golden")
	}
	base := filepath.Base(scenarioFile)
	return filepath.Join(goldenDir, strings.TrimSuffix(base, filepath.Ext(base))+".golden")
}

func printOutcome(w io.Writer, o ScenarioOutcome) {
	if !o.Pass {
		fmt.Fprintf(w, "✗ %s\n", o.Name)
		for _, f := range o.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
		return
	}
	if o.Golden == harness.GoldenUpdated {
		fmt.Fprintf(w, "✓ %s (golden updated)\n", o.Name)
		return
	}
	fmt.Fprintf(w, "✓ %s\n", o.Name)
}

func printSummary(w io.Writer, s SuiteResult) {
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", s.Passed, s.Failed, len(s.Scenarios))
}
