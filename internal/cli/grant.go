package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/store"
)

// GrantOptions holds flags shared by the grant subcommands.
type GrantOptions struct {
	*RootOptions
	Database string
	By       string
}

// NewGrantCommand creates the grant command group. These commands act on
// the database directly and bypass the API's admin check; they exist to
// bootstrap the first admin and for operators with database access.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GrantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Manage access grants",
		Long: `Issue, revoke and list access grants directly in the database.

Every change is recorded with the operator named by --by.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.PersistentFlags().StringVar(&opts.By, "by", "operator", "operator recorded as granting or revoking")

	cmd.AddCommand(newGrantAddCommand(opts))
	cmd.AddCommand(newGrantRevokeCommand(opts))
	cmd.AddCommand(newGrantListCommand(opts))
	return cmd
}

type grantAddFlags struct {
	tenant     string
	user       string
	role       string
	scope      string
	breakGlass bool
	ticket     string
	expiresIn  time.Duration
}

func newGrantAddCommand(opts *GrantOptions) *cobra.Command {
	var f grantAddFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Issue a grant",
		Long: `Issue a grant of --role over --scope (a site id or "global").

Break-glass grants need a ticket id and an expiry within policy.max_break_glass.

Examples:
  cairn grant add --tenant t1 --user admin-1 --role admin --scope global
  cairn grant add --tenant t1 --user inv-1 --role investigator --scope site-a
  cairn grant add --tenant t1 --user inv-2 --role investigator --scope site-b \
    --break-glass --ticket INC-4411 --expires-in 2h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrantAdd(cmd.Context(), opts, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&f.user, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&f.role, "role", "", "role granted (required)")
	_ = cmd.MarkFlagRequired("role")
	cmd.Flags().StringVar(&f.scope, "scope", "", `site id or "global" (required)`)
	_ = cmd.MarkFlagRequired("scope")
	cmd.Flags().BoolVar(&f.breakGlass, "break-glass", false, "emergency access grant")
	cmd.Flags().StringVar(&f.ticket, "ticket", "", "incident ticket justifying break-glass access")
	cmd.Flags().DurationVar(&f.expiresIn, "expires-in", 0, "grant lifetime; required for break-glass")

	return cmd
}

func runGrantAdd(ctx context.Context, opts *GrantOptions, f grantAddFlags, out io.Writer) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	eng, st, err := openEngine(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	defer eng.Close()

	req := engine.GrantRequest{
		TenantID:   f.tenant,
		UserID:     f.user,
		Role:       ir.Role(f.role),
		Scope:      f.scope,
		BreakGlass: f.breakGlass,
		TicketID:   f.ticket,
	}
	if f.expiresIn > 0 {
		exp := eng.Now().Add(f.expiresIn)
		req.ExpiresAt = &exp
	}
	g, err := eng.IssueGrant(ctx, opts.By, req)
	if err != nil {
		return opts.formatterFor(out).Fail("failed to issue grant", err)
	}
	return opts.formatterFor(out).Success(g, fmt.Sprintf("✓ granted %s %s on %s (%s)", g.UserID, g.Role, g.Scope, g.GrantID))
}

func newGrantRevokeCommand(opts *GrantOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "revoke <grant-id>",
		Short:         "Revoke a grant",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			eng, st, err := openEngine(cfg, opts.Database)
			if err != nil {
				return err
			}
			defer st.Close()
			defer eng.Close()

			g, err := eng.RevokeGrant(cmd.Context(), opts.By, "", args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to revoke grant", err)
			}
			return opts.formatterFor(cmd.OutOrStdout()).Success(g, fmt.Sprintf("✓ revoked %s", g.GrantID))
		},
	}
}

func newGrantListCommand(opts *GrantOptions) *cobra.Command {
	var (
		tenant string
		user   string
		all    bool
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List grants",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, opts.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			grants, err := st.ListGrants(cmd.Context(), store.GrantFilter{
				TenantID:       tenant,
				UserID:         user,
				IncludeRevoked: all,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list grants", err)
			}
			if grants == nil {
				grants = []ir.AccessGrant{}
			}
			if opts.Format == "json" {
				return opts.formatterFor(cmd.OutOrStdout()).Success(grants, "")
			}
			return writeGrantTable(cmd.OutOrStdout(), grants)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&user, "user", "", "only this user's grants")
	cmd.Flags().BoolVar(&all, "all", false, "include revoked grants")
	return cmd
}

func writeGrantTable(w io.Writer, grants []ir.AccessGrant) error {
	if len(grants) == 0 {
		fmt.Fprintln(w, "No grants found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GRANT\tUSER\tROLE\tSCOPE\tSTATE\tEXPIRES")
	for _, g := range grants {
		state := "active"
		if !g.Active {
			state = "revoked"
		}
		flags := []string{state}
		if g.BreakGlass {
			flags = append(flags, "break-glass:"+g.TicketID)
		}
		expires := "-"
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", g.GrantID, g.UserID, g.Role, g.Scope, strings.Join(flags, ","), expires)
	}
	return tw.Flush()
}
