package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/config"
	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/export"
	"github.com/roach88/cairn/internal/ir"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database    string
	TenantID    string
	UserID      string
	Role        string
	AggregateID string
	From        string
	To          string
	Output      string // "-" streams to stdout
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw events as a verifiable archive",
		Long: `Export the events a principal may read as NDJSON followed by a manifest
line carrying the event count and SHA-256 digest.

The export runs with the access of --user in --tenant, so the user needs
grants covering the exported sites. Archives go to the configured sink
(export.type file or s3) and are age-encrypted when export.recipients is set.
--output - writes the plaintext archive to stdout instead.

Examples:
  cairn export --tenant t1 --user aud-1
  cairn export --tenant t1 --user aud-1 --from 2025-01-01T00:00:00Z --to 2025-04-01T00:00:00Z
  cairn export --tenant t1 --user aud-1 --aggregate rec-1 --output -`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant to export (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user whose access scopes the export (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&opts.Role, "role", string(ir.RoleAuditor), "role of --user")
	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "export a single aggregate")
	cmd.Flags().StringVar(&opts.From, "from", "", "earliest server timestamp (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "latest server timestamp (RFC 3339, exclusive)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", `archive name in the sink, or "-" for stdout`)

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, out io.Writer) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	from, err := parseTime("from", opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	to, err := parseTime("to", opts.To)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	eng, st, err := openEngine(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	defer eng.Close()

	p := ir.Principal{UserID: opts.UserID, Role: ir.Role(opts.Role), TenantID: opts.TenantID}
	req := engine.ExportRequest{AggregateID: opts.AggregateID, From: from, To: to}
	if req.AggregateID != "" {
		if _, _, err := eng.Authorize(ctx, p, ir.OpRead, req.AggregateID); err != nil {
			return opts.formatterFor(out).Fail("export not permitted", err)
		}
	}

	m := export.Manifest{
		TenantID:    opts.TenantID,
		RequestedBy: opts.UserID,
		AggregateID: opts.AggregateID,
		From:        from,
		To:          to,
		CreatedAt:   time.Now().UTC(),
	}
	events := eng.Export(ctx, p, req)

	if opts.Output == "-" {
		if _, err := export.Write(out, events, m); err != nil {
			return WrapExitError(ExitCommandError, "export failed", err)
		}
		return nil
	}

	sink, err := newSink(ctx, cfg.Export)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open export sink", err)
	}
	name := opts.Output
	if name == "" {
		name = fmt.Sprintf("cairn-%s-%s.ndjson", opts.TenantID, m.CreatedAt.Format("20060102T150405Z"))
	}
	m, err = export.Archive(ctx, sink, name, events, m)
	if err != nil {
		return WrapExitError(ExitCommandError, "export failed", err)
	}

	f := opts.formatterFor(out)
	return f.Success(m, fmt.Sprintf("✓ exported %d event(s) to %s (sha256 %s)", m.Count, name, m.SHA256))
}

func newSink(ctx context.Context, cfg config.ExportConfig) (export.Sink, error) {
	var sink export.Sink
	switch cfg.Type {
	case "s3":
		s3sink, err := export.NewS3Sink(ctx, export.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, err
		}
		sink = s3sink
	default:
		sink = export.FileSink{Dir: cfg.Dir}
	}
	if len(cfg.Recipients) == 0 {
		return sink, nil
	}
	recipients, err := export.ParseRecipients(cfg.Recipients)
	if err != nil {
		return nil, err
	}
	return export.EncryptedSink{Sink: sink, Recipients: recipients}, nil
}

func parseTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp: %w", name, err)
	}
	return t.UTC(), nil
}
