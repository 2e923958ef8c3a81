package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cepcore/internal/store"
)

// IncidentsOptions holds flags for the incidents command.
type IncidentsOptions struct {
	*RootOptions
	Journal   string
	RunID     string
	Statement string
	Type      string
	Limit     int
	Summary   bool
}

// IncidentView is the JSON form of a journaled incident.
type IncidentView struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Statement string    `json:"statement,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncidentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents recorded in a journal",
		Long: `List statement failures, unmatched-listener failures and filter-fault
drops recorded by "cep run --journal".

Example:
  cep incidents --journal ./incidents.db
  cep incidents --journal ./incidents.db --statement enrich --type PROCESS
  cep incidents --journal ./incidents.db --summary`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite incident journal (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "only incidents from this run id")
	cmd.Flags().StringVar(&opts.Statement, "statement", "", "only incidents of this statement")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only incidents of this type (PROCESS, LISTENER, UNMATCHED_LISTENER, FILTER_FAULT)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of incidents (0 = all)")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "print counts per statement instead of incidents")
	_ = cmd.MarkFlagRequired("journal")

	return cmd
}

func runIncidents(opts *IncidentsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Limit < 0 {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "limit must not be negative", nil)
	}
	if _, err := os.Stat(opts.Journal); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("journal not found: %s", opts.Journal), nil)
	}

	st, err := store.Open(opts.Journal)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if opts.Summary {
		counts, err := st.CountByStatement(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeJournal, "failed to count incidents", err)
		}
		if opts.Format == "json" {
			return formatter.Success(counts)
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			label := name
			if label == "" {
				label = "(runtime)"
			}
			fmt.Fprintf(formatter.Writer, "%-24s %d\n", label, counts[name])
		}
		return nil
	}

	records, err := st.ReadIncidents(ctx, store.Query{
		RunID:     opts.RunID,
		Statement: opts.Statement,
		Type:      opts.Type,
		Limit:     opts.Limit,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeJournal, "failed to read incidents", err)
	}

	views := make([]IncidentView, len(records))
	for i, r := range records {
		views[i] = IncidentView{
			ID:        r.ID,
			RunID:     r.RunID,
			Type:      r.Type,
			Statement: r.Statement,
			EventType: r.EventType,
			Message:   r.Message,
			At:        r.At,
		}
	}

	if opts.Format == "json" {
		return formatter.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No incidents.")
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(formatter.Writer, "#%d %s %s %s %s: %s\n",
			v.ID, v.At.Format(time.RFC3339), v.Type, v.Statement, v.EventType, v.Message)
	}
	return nil
}
