package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herbly/menupipe/internal/catalog"
	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/replay"
	"github.com/herbly/menupipe/internal/ruleset"
	"github.com/herbly/menupipe/internal/source"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Verify bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <pack-file>",
		Short: "Re-execute a replay pack",
		Long: `Re-execute the rule sequence recorded in a replay pack, rule by rule,
using the recorded flag snapshot and resolver slices in place of live
services.

With --verify, the reproduced fired rules and changes are compared
against the recorded ones; divergence exits nonzero.

Example:
  menupipe replay ./packs/env=dev/.../ingest.json.gz
  menupipe replay --verify ./pack.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayPack(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "compare replayed output against recorded output")

	return cmd
}

func replayPack(cmd *cobra.Command, opts *ReplayOptions, path string) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	pack, err := replay.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load pack", err)
	}

	runner, err := newRunner(pack)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build runner", err)
	}

	var result *replay.Result
	if opts.Verify {
		result, err = runner.Verify(pack)
	} else {
		result, err = runner.Run(pack)
	}
	if err != nil {
		if result != nil && opts.Format != "json" {
			printSteps(formatter, result)
		}
		return WrapExitError(ExitFailure, "replay diverged", err)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	printSteps(formatter, result)
	if opts.Verify {
		fmt.Fprintln(formatter.Writer, "verified: fired rules and changes match the recording")
	}
	return nil
}

// newRunner rebuilds the rule surface for the pack's source. Sources are
// compiled fresh; the pack's ruleset_version guards against drift during
// Verify through the fired/changes comparison.
func newRunner(pack *replay.Pack) (*replay.Runner, error) {
	src, err := sourceByID(pack.SourceID)
	if err != nil {
		return nil, err
	}

	manifest := make(flags.Manifest, 0, len(pack.FlagsSnapshot))
	for name := range pack.FlagsSnapshot {
		manifest = append(manifest, name)
	}
	createSet, err := catalog.CreateRuleSet(ruleset.WithFlagManifest(manifest))
	if err != nil {
		return nil, err
	}
	updateSet, err := catalog.UpdateRuleSet(ruleset.WithFlagManifest(manifest))
	if err != nil {
		return nil, err
	}

	return &replay.Runner{Source: src, CreateSet: createSet, UpdateSet: updateSet}, nil
}

func sourceByID(id string) (*source.Source, error) {
	treez, err := source.Treez()
	if err != nil {
		return nil, err
	}
	reg := source.Registry{treez.ID: treez}
	return reg.Resolve(id)
}

func printSteps(f *OutputFormatter, result *replay.Result) {
	for i, step := range result.Steps {
		if !step.Applied {
			fmt.Fprintf(f.Writer, "%2d %-9s %-22s skipped\n", i, step.Stage, step.Name)
			continue
		}
		patch, _ := json.Marshal(step.Patch)
		fmt.Fprintf(f.Writer, "%2d %-9s %-22s applied patch=%s", i, step.Stage, step.Name, patch)
		if len(step.Conflicts) > 0 {
			fmt.Fprintf(f.Writer, " conflicts=%v", step.Conflicts)
		}
		fmt.Fprintln(f.Writer)
	}
	changes, _ := json.Marshal(result.Changes)
	fmt.Fprintf(f.Writer, "fired=%v changes=%s\n", result.Fired, changes)
}
