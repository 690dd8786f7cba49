package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/registry"
)

// RegistryCheckOptions holds flags for the registry check command.
type RegistryCheckOptions struct {
	*RootOptions
	Sample  string // name@version
	Payload string
}

// RegistryCheckResult lists the types a registry resolves to.
type RegistryCheckResult struct {
	Types  []registry.EventType `json:"types"`
	Sample string               `json:"sample,omitempty"`
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect event type registries",
	}
	cmd.AddCommand(newRegistryCheckCommand(rootOpts))
	return cmd
}

func newRegistryCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegistryCheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check [file...]",
		Short: "Validate event type files against the builtins",
		Long: `Load the builtin event types, the files listed in registry.files and the
given files, in that order, and report the resulting types.

A file fails if a type has an invalid CUE schema, a version that is not
semver, or re-registers an existing version with a different schema.
--sample validates a payload against one registered type.

Exit codes:
  0 - Registry valid (and sample payload accepted)
  1 - Registry invalid or sample payload rejected
  2 - Command error

Examples:
  cairn registry check ./types/site-a.yaml
  cairn registry check --sample response.recorded@1.0.0 --payload '{"question":"q1","answer":3}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistryCheck(opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Sample, "sample", "", "event type to validate --payload against (name@version)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON payload for --sample")

	return cmd
}

func runRegistryCheck(opts *RegistryCheckOptions, files []string, out io.Writer) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	f := opts.formatterFor(out)

	reg, err := loadRegistry(append(append([]string{}, cfg.Registry.Files...), files...)...)
	if err != nil {
		if ferr := f.Error("E001", "registry invalid", err.Error()); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "registry invalid", err)
	}
	result := RegistryCheckResult{Types: reg.Types()}

	if opts.Sample != "" {
		name, version, ok := strings.Cut(opts.Sample, "@")
		if !ok {
			return NewExitError(ExitCommandError, "--sample must be name@version")
		}
		var payload ir.IRObject
		if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
			return WrapExitError(ExitCommandError, "--payload is not a JSON object", err)
		}
		if _, err := reg.Validate(name, version, payload); err != nil {
			return f.Fail("sample payload rejected", err)
		}
		result.Sample = opts.Sample
	}

	if opts.Format == "json" {
		return f.Success(result, "")
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tVERSION\tKIND\tFLAGS")
	for _, t := range result.Types {
		var flags []string
		if t.Creates {
			flags = append(flags, "creates")
		}
		if t.Compensating {
			flags = append(flags, "compensating")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.SchemaVersion, t.Kind, strings.Join(flags, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %d event type(s) valid\n", len(result.Types))
	if result.Sample != "" {
		fmt.Fprintf(out, "✓ payload valid for %s\n", result.Sample)
	}
	return nil
}
