package cli

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/harness"
	"github.com/roach88/cepcore/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal string // sqlite incident journal path
	Config  string // runtime config file
}

// RunResult is the JSON payload of the run command.
type RunResult struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"run_id,omitempty"`
	*harness.Result
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario and print the listener trace",
		Long: `Run a YAML scenario against a fresh runtime and print every statement
listener update in delivery order.

Runtime settings come from --config (YAML, with CEP_* environment overrides);
the scenario's own config block is applied on top. Incidents are written to
the sqlite journal named by --journal or journal.path.

Example:
  cep run ./scenarios/preemption.yaml
  cep run --journal ./incidents.db --format json ./scenarios/orders.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioCommand(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite incident journal")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to runtime config YAML")

	return cmd
}

func runScenarioCommand(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "failed to load config", err)
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "failed to load scenario", err)
	}

	logger := newLogger(opts.RootOptions, cfg.Log.Level)
	runOpts := []harness.Option{harness.WithConfig(cfg), harness.WithLogger(logger)}

	journalPath := opts.Journal
	if journalPath == "" {
		journalPath = cfg.Journal.Path
	}
	var runID string
	if journalPath != "" {
		st, err := store.Open(journalPath)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		runID = uuid.Must(uuid.NewV7()).String()
		runOpts = append(runOpts, harness.WithJournal(st.WithRun(runID)))
		formatter.VerboseLog("Journaling incidents to %s (run %s)", journalPath, runID)
	}

	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, "scenario failed to run", err)
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: RunResult{Scenario: scenario.Name, RunID: runID, Result: result}}
		if !result.Pass {
			resp.Status = "error"
		}
		if err := formatter.JSON(resp); err != nil {
			return err
		}
	} else {
		printTrace(formatter.Writer, scenario.Name, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed with %d error(s)", scenario.Name, len(result.Errors)))
	}
	return nil
}

func printTrace(w io.Writer, name string, result *harness.Result) {
	fmt.Fprintf(w, "Scenario %s: %d update(s)\n", name, len(result.Trace))
	for _, ev := range result.Trace {
		if ev.Timer != "" {
			fmt.Fprintf(w, "  [%d] t=%d %s timer %s\n", ev.Seq, ev.Time, ev.Statement, ev.Timer)
			continue
		}
		fmt.Fprintf(w, "  [%d] t=%d %s %s %v\n", ev.Seq, ev.Time, ev.Statement, ev.EventType, ev.Event)
	}
	for _, inc := range result.Incidents {
		fmt.Fprintf(w, "  ! %s %s: %s\n", inc.Type, inc.Statement, inc.Message)
	}
	if result.Pass {
		fmt.Fprintln(w, "✓ all assertions passed")
		return
	}
	fmt.Fprintln(w, "✗ failed")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
