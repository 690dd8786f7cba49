package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/cairn/internal/config"
	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/offline"
)

// SyncOptions holds flags shared by the sync subcommands.
type SyncOptions struct {
	*RootOptions
	Queue string
}

// SyncStatusResult is the status command's output.
type SyncStatusResult struct {
	Counts   map[offline.Status]int `json:"counts"`
	Stalled  []offline.Entry        `json:"stalled"`
	Rejected []offline.Entry        `json:"rejected"`
}

// NewSyncCommand creates the sync command group for offline clients.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Author offline and reconcile with a server",
		Long: `Work with the local outbox of an offline client.

Events are authored into the outbox without touching the network and
submitted to sync.server_url in authoring order by drain.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Queue, "queue", "", "path to the outbox database (defaults to sync.queue_path)")

	cmd.AddCommand(newSyncAuthorCommand(opts))
	cmd.AddCommand(newSyncStatusCommand(opts))
	cmd.AddCommand(newSyncDrainCommand(opts))
	return cmd
}

func (o *SyncOptions) openQueue() (*config.Config, *offline.Queue, error) {
	cfg, err := o.Config()
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Sync.QueuePath
	if o.Queue != "" {
		path = o.Queue
	}
	q, err := offline.OpenQueue(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open outbox", err)
	}
	return cfg, q, nil
}

type syncAuthorFlags struct {
	aggregate string
	eventType string
	schema    string
	site      string
	payload   string
}

func newSyncAuthorCommand(opts *SyncOptions) *cobra.Command {
	var f syncAuthorFlags

	cmd := &cobra.Command{
		Use:   "author",
		Short: "Write an event to the outbox",
		Long: `Write an event to the outbox. The expected version follows the latest
outbox entry for the aggregate, or the last version the server confirmed.

Examples:
  cairn sync author --aggregate rec-1 --type record.opened --site site-a --payload '{"form":"phq9"}'
  cairn sync author --aggregate rec-1 --type response.recorded --payload '{"question":"q1","answer":3}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncAuthor(cmd.Context(), opts, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.aggregate, "aggregate", "", "aggregate id (required)")
	_ = cmd.MarkFlagRequired("aggregate")
	cmd.Flags().StringVar(&f.eventType, "type", "", "event type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&f.schema, "schema", "1.0.0", "schema version of --type")
	cmd.Flags().StringVar(&f.site, "site", "", "site id, for events that create an aggregate")
	cmd.Flags().StringVar(&f.payload, "payload", "{}", "event payload as a JSON object")

	return cmd
}

func runSyncAuthor(ctx context.Context, opts *SyncOptions, f syncAuthorFlags, out io.Writer) error {
	var payload ir.IRObject
	if err := json.Unmarshal([]byte(f.payload), &payload); err != nil {
		return WrapExitError(ExitCommandError, "--payload is not a JSON object", err)
	}
	_, q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	e, err := offline.NewAuthor(q, nil, nil).Write(ctx, offline.Draft{
		AggregateID:   f.aggregate,
		EventType:     f.eventType,
		SchemaVersion: f.schema,
		Payload:       payload,
		SiteID:        f.site,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to author event", err)
	}
	return opts.formatterFor(out).Success(e, fmt.Sprintf("✓ queued %s for %s at version %d", e.EventID, e.AggregateID, e.ExpectedVersion))
}

func newSyncStatusCommand(opts *SyncOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts and entries needing attention",
		Long: `Show outbox counts by status, entries that exhausted their retries
(drain --rearm resumes them) and rejected entries.

Exit codes:
  0 - Nothing needs attention
  1 - Some entries are rejected or stalled
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncStatus(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func runSyncStatus(ctx context.Context, opts *SyncOptions, out io.Writer) error {
	cfg, q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	counts, err := q.Counts(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	pending, err := q.List(ctx, offline.StatusPending)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	rejected, err := q.List(ctx, offline.StatusRejected)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}

	result := SyncStatusResult{Counts: counts, Stalled: []offline.Entry{}, Rejected: rejected}
	if result.Rejected == nil {
		result.Rejected = []offline.Entry{}
	}
	for _, e := range pending {
		if e.AttemptCount >= cfg.Sync.MaxAttempts {
			result.Stalled = append(result.Stalled, e)
		}
	}

	if opts.Format == "json" {
		if err := opts.formatterFor(out).Success(result, ""); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "pending: %d  submitted: %d  accepted: %d  rejected: %d\n",
			counts[offline.StatusPending], counts[offline.StatusSubmitted],
			counts[offline.StatusAccepted], counts[offline.StatusRejected])
		for _, e := range result.Stalled {
			fmt.Fprintf(out, "  stalled  %s %s v%d after %d attempts: %s\n", e.AggregateID, e.EventType, e.ExpectedVersion, e.AttemptCount, e.LastError)
		}
		for _, e := range result.Rejected {
			fmt.Fprintf(out, "  rejected %s %s v%d [%s]: %s\n", e.AggregateID, e.EventType, e.ExpectedVersion, e.LastCode, e.LastError)
		}
	}
	if len(result.Stalled) > 0 || len(result.Rejected) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d stalled, %d rejected", len(result.Stalled), len(result.Rejected)))
	}
	return nil
}

type syncDrainFlags struct {
	rearm bool
	watch bool
	purge bool
}

func newSyncDrainCommand(opts *SyncOptions) *cobra.Command {
	var f syncDrainFlags

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Submit pending entries to the server",
		Long: `Submit pending entries to sync.server_url in authoring order, authenticated
with sync.token.

Transient failures back off exponentially. Entries that exhaust
sync.max_attempts stay pending until a drain with --rearm. Rejections are
terminal and reported by sync status.

Examples:
  cairn sync drain
  cairn sync drain --rearm
  cairn sync drain --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSyncDrain(ctx, opts, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&f.rearm, "rearm", false, "reset retry counts of stalled entries first")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "keep draining every sync.interval until interrupted")
	cmd.Flags().BoolVar(&f.purge, "purge", false, "delete accepted entries afterwards")

	return cmd
}

func runSyncDrain(ctx context.Context, opts *SyncOptions, f syncDrainFlags, out io.Writer) error {
	cfg, q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()
	if cfg.Sync.ServerURL == "" {
		return NewExitError(ExitCommandError, "sync.server_url is not configured")
	}

	mgr := newSyncManager(cfg.Sync, q)
	if f.rearm {
		if err := mgr.Rearm(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to rearm outbox", err)
		}
	}

	if f.watch {
		if err := mgr.Run(ctx, cfg.Sync.Interval); err != nil && ctx.Err() == nil {
			return WrapExitError(ExitCommandError, "sync stopped", err)
		}
		return nil
	}

	report, err := mgr.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "drain failed", err)
	}
	if f.purge {
		n, err := q.Purge(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "purge failed", err)
		}
		opts.formatterFor(out).VerboseLog("purged %d accepted entries", n)
	}

	text := fmt.Sprintf("accepted: %d  rejected: %d  retried: %d  rederived: %d  deferred: %d",
		report.Accepted, report.Rejected, report.Retried, report.Rederived, report.Deferred)
	if report.Paused {
		text += "\npaused after repeated failures; run sync drain --rearm once the server is reachable"
	}
	if err := opts.formatterFor(out).Success(report, text); err != nil {
		return err
	}
	if report.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entries rejected", report.Rejected))
	}
	return nil
}

func newSyncManager(cfg config.SyncConfig, q *offline.Queue) *offline.Manager {
	token := cfg.Token
	sub := offline.NewHTTPSubmitter(cfg.ServerURL, func() string { return token }, nil)
	return offline.NewManager(q, sub,
		offline.WithBackoff(offline.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}),
		offline.WithMaxAttempts(cfg.MaxAttempts),
		offline.WithRate(rate.Limit(cfg.Rate), cfg.Burst),
		offline.WithRederive(offline.Reapply),
		offline.WithNotifier(offline.NotifierFunc(func(e offline.Entry, err error) {
			slog.Warn("outbox entry rejected",
				"event", "sync_rejected",
				"event_id", e.EventID,
				"aggregate_id", e.AggregateID,
				"code", ir.CodeOf(err),
				"error", err,
			)
		})),
	)
}
