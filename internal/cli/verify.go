package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/audit"
	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/projector"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database     string
	TenantID     string
	Parallelism  int
	NoQuarantine bool
}

// VerifyResult summarizes a verification run.
type VerifyResult struct {
	Checked    int            `json:"checked"`
	Mismatches []audit.Result `json:"mismatches"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify [aggregate-id...]",
		Short: "Replay event logs and compare with stored state",
		Long: `Replay the event log of each aggregate from scratch and compare the result
with its materialized state, version sequence and hash chain.

With no arguments every aggregate is checked, optionally limited to one
tenant. Aggregates that fail are quarantined unless --no-quarantine is set.

Exit codes:
  0 - Every aggregate matched
  1 - At least one aggregate failed verification
  2 - Command error (database not found, unknown aggregate, etc.)

Examples:
  cairn verify --db ./cairn.db
  cairn verify --db ./cairn.db rec-1 rec-2
  cairn verify --tenant t1 --parallelism 8 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "only verify this tenant's aggregates")
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", 0, "concurrent verifications (defaults to audit.parallelism)")
	cmd.Flags().BoolVar(&opts.NoQuarantine, "no-quarantine", false, "report mismatches without quarantining")

	return cmd
}

func runVerify(ctx context.Context, opts *VerifyOptions, ids []string, out io.Writer) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = cfg.Audit.Parallelism
	}
	proj := projector.New(projector.WithFallback(projector.Merge))
	v := audit.NewValidator(st, proj, audit.WithQuarantine(!opts.NoQuarantine))

	result := VerifyResult{Mismatches: []audit.Result{}}
	switch {
	case len(ids) > 0:
		for _, id := range ids {
			res, err := v.Verify(ctx, id)
			if err != nil {
				if errors.Is(err, ir.ErrNotFound) {
					return WrapExitError(ExitCommandError, fmt.Sprintf("aggregate %s not found", id), err)
				}
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to verify %s", id), err)
			}
			result.Checked++
			if !res.Match {
				result.Mismatches = append(result.Mismatches, res)
			}
		}
	case opts.TenantID != "":
		report, err := v.Sweep(ctx, opts.TenantID, parallelism)
		if err != nil {
			return WrapExitError(ExitCommandError, "verification failed", err)
		}
		result.Checked = report.Checked
		result.Mismatches = append(result.Mismatches, report.Mismatches...)
	default:
		reports, err := v.SweepAll(ctx, parallelism)
		if err != nil {
			return WrapExitError(ExitCommandError, "verification failed", err)
		}
		for _, r := range reports {
			result.Checked += r.Checked
			result.Mismatches = append(result.Mismatches, r.Mismatches...)
		}
	}

	f := opts.formatterFor(out)
	if len(result.Mismatches) == 0 {
		if err := f.Success(result, fmt.Sprintf("✓ %d aggregate(s) verified", result.Checked)); err != nil {
			return err
		}
		return nil
	}

	if opts.Format == "json" {
		if err := f.Error(string(ir.ErrCodeIntegrityFault), "verification failed", result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "✗ %d of %d aggregate(s) failed verification\n", len(result.Mismatches), result.Checked)
		for _, m := range result.Mismatches {
			fmt.Fprintf(out, "  %s (tenant %s): %s\n", m.AggregateID, m.TenantID, m.Reason())
			if opts.Verbose {
				for _, d := range m.Diff {
					fmt.Fprintf(out, "    %s: stored=%s replayed=%s\n", d.Path, d.Stored, d.Replayed)
				}
			}
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d aggregate(s) failed verification", len(result.Mismatches)))
}
