package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/herbly/menupipe/internal/catalog"
	"github.com/herbly/menupipe/internal/config"
	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/ruleset"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Flags []string
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <ruleset.yaml>...",
		Short: "Compile ruleset documents without running a batch",
		Long: `Compile one or more YAML ruleset documents against the built-in rule
registry and report the execution order, or the compile error keeping the
document out of production.

Example:
  menupipe compile ./rulesets/create.yaml ./rulesets/update.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return compileDocuments(cmd, opts, args)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Flags, "flag", nil, "manifest flag name (repeatable)")

	return cmd
}

type compileReport struct {
	Path    string                `json:"path"`
	Ruleset string                `json:"ruleset"`
	Version string                `json:"version"`
	Order   []ruleset.OrderedRule `json:"order,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func compileDocuments(cmd *cobra.Command, opts *CompileOptions, paths []string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	manifest := flags.Manifest{catalog.FlagDefaultActive}
	for _, f := range opts.Flags {
		if !manifest.Contains(f) {
			manifest = append(manifest, f)
		}
	}

	registry := catalog.BuiltinRegistry()

	reports := make([]compileReport, 0, len(paths))
	failed := 0
	for _, path := range paths {
		report := compileReport{Path: path}

		doc, err := config.Load(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load document", err)
		}
		report.Ruleset = doc.Ruleset
		report.Version = doc.Version

		set, err := doc.Build(registry, ruleset.WithFlagManifest(manifest))
		if err != nil {
			var ce *ruleset.CompileError
			if !errors.As(err, &ce) {
				return WrapExitError(ExitCommandError, "failed to build ruleset", err)
			}
			report.Error = ce.Error()
			failed++
		} else {
			report.Order = set.RulesOrder()
		}
		reports = append(reports, report)
	}

	if opts.Format == "json" {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			if r.Error != "" {
				fmt.Fprintf(formatter.Writer, "%s (%s@%s): FAIL %s\n", r.Path, r.Ruleset, r.Version, r.Error)
				continue
			}
			names := make([]string, len(r.Order))
			for i, o := range r.Order {
				names[i] = fmt.Sprintf("%s(%d)", o.Name, o.Priority)
			}
			fmt.Fprintf(formatter.Writer, "%s (%s@%s): %s\n", r.Path, r.Ruleset, r.Version, strings.Join(names, " -> "))
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d document(s) failed to compile", failed))
	}
	return nil
}
