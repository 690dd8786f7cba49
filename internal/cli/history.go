package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	From     int64
	Hashes   bool
}

// HistoryResult is one aggregate's event log.
type HistoryResult struct {
	AggregateID string                 `json:"aggregate_id"`
	Events      []ir.Event             `json:"events"`
	Quarantine  *store.QuarantineEntry `json:"quarantine,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <aggregate-id>",
		Short: "Show the event log of an aggregate",
		Long: `Show every accepted event of an aggregate in version order, with the
acting principal, timestamps and, with --hashes, the hash chain.

This reads the database directly and is meant for operators; API clients
use GET /v1/aggregates/:id/events.

Examples:
  cairn history rec-1 --db ./cairn.db
  cairn history rec-1 --from 3 --hashes
  cairn history rec-1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().Int64Var(&opts.From, "from", 1, "first version to show")
	cmd.Flags().BoolVar(&opts.Hashes, "hashes", false, "show event and chain hashes")

	return cmd
}

func runHistory(ctx context.Context, opts *HistoryOptions, aggregateID string, out io.Writer) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	result := HistoryResult{AggregateID: aggregateID, Events: []ir.Event{}}
	for ev, err := range st.ReadEvents(ctx, aggregateID, opts.From) {
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read events", err)
		}
		result.Events = append(result.Events, ev)
	}
	q, quarantined, err := st.QuarantineStatus(ctx, aggregateID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read quarantine status", err)
	}
	if quarantined {
		result.Quarantine = &q
	}

	if opts.Format == "json" {
		return opts.formatterFor(out).Success(result, "")
	}

	if len(result.Events) == 0 {
		fmt.Fprintf(out, "No events found for aggregate: %s\n", aggregateID)
		return nil
	}
	if result.Quarantine != nil {
		fmt.Fprintf(out, "QUARANTINED since %s: %s\n\n", q.DetectedAt.Format(time.RFC3339), q.Reason)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "VERSION\tSEQ\tTYPE\tSCHEMA\tACTOR\tROLE\tSERVER TIME"
	if opts.Hashes {
		header += "\tEVENT HASH\tCHAIN HASH"
	}
	fmt.Fprintln(tw, header)
	for _, ev := range result.Events {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s",
			ev.AggregateVersion, ev.Seq, ev.EventType, ev.SchemaVersion,
			ev.ActorID, ev.ActorRole, ev.ServerTimestamp.Format(time.RFC3339))
		if opts.Hashes {
			fmt.Fprintf(tw, "\t%s\t%s", ev.EventHash, ev.ChainHash)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if opts.Verbose {
		for _, ev := range result.Events {
			payload, err := ir.MarshalCanonical(ev.Payload)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to render payload", err)
			}
			fmt.Fprintf(out, "v%d payload: %s\n", ev.AggregateVersion, payload)
		}
	}
	return nil
}
