package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"

	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/pipeline"
	"github.com/herbly/menupipe/internal/replay"
	"github.com/herbly/menupipe/internal/source"
	"github.com/herbly/menupipe/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	Source      string
	Env         string
	Artifacts   string
	Flags       []string
	Concurrency int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <items.json>",
		Short: "Execute one ingestion batch",
		Long: `Execute one ingestion batch from a JSON file of raw payloads.

The file holds a JSON array of payload objects. The batch runs against a
SQLite catalog (created if absent) and optionally emits one replay pack
per item under the artifacts directory.

Example:
  menupipe run --db ./catalog.db ./items.json
  menupipe run --db ./catalog.db --artifacts ./packs --flag menu_sync.default_active=true ./items.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite catalog (required)")
	cmd.Flags().StringVar(&opts.Source, "source", "treez", "source ID")
	cmd.Flags().StringVar(&opts.Env, "env", "dev", "environment recorded in replay packs")
	cmd.Flags().StringVar(&opts.Artifacts, "artifacts", "", "directory for replay packs (omit to disable)")
	cmd.Flags().StringArrayVar(&opts.Flags, "flag", nil, "feature flag override name=bool (repeatable)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "worker count (0 = GOMAXPROCS)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runBatch(cmd *cobra.Command, opts *RunOptions, itemsPath string) error {
	configureLogging(opts.Verbose)

	payloads, err := readItems(itemsPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read items", err)
	}

	flagBackend, manifest, err := parseFlagOverrides(opts.Flags)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --flag", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	treez, err := source.Treez()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build source", err)
	}

	var artifacts replay.Store
	if opts.Artifacts != "" {
		artifacts = &replay.FSStore{Base: opts.Artifacts}
	}

	pipe, err := pipeline.New(pipeline.Config{
		Sources:     source.Registry{treez.ID: treez},
		Catalog:     st,
		Lookups:     st,
		Flags:       flagBackend,
		Manifest:    manifest,
		Artifacts:   artifacts,
		Env:         opts.Env,
		Info: replay.BuildInfo{
			AppVersion:           Version,
			GitSHA:               GitSHA,
			PayloadSchemaVersion: source.TreezTransformerVersion,
		},
		Concurrency: opts.Concurrency,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build pipeline", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := pipe.Call(ctx, opts.Source, payloads)
	if err != nil {
		return WrapExitError(ExitCommandError, "batch failed", err)
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		printSummary(formatter, result)
	}

	if result.Counters.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) rejected", result.Counters.Rejected))
	}
	return nil
}

func printSummary(f *OutputFormatter, result *pipeline.Result) {
	t := table.New(f.Writer)
	t.SetHeaders("#", "EXTERNAL ID", "STATUS", "FIRED", "VIOLATIONS")
	for i, o := range result.Outcomes {
		t.AddRow(
			strconv.Itoa(i),
			o.ExternalID,
			o.Status,
			strconv.Itoa(len(o.FiredRules)),
			formatViolations(o.Violations),
		)
	}
	t.Render()

	fmt.Fprintf(f.Writer,
		"source=%s ruleset=%s flags=%s created=%d updated=%d destroyed=%d noop=%d rejected=%d duplicate=%d\n",
		result.SourceID, result.RulesetVersion, result.FlagsVersion,
		result.Counters.Created, result.Counters.Updated,
		result.Counters.Destroyed, result.Counters.Noop,
		result.Counters.Rejected, result.Counters.Duplicate)
}

func formatViolations(violations map[string][]string) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for field, msgs := range violations {
		parts = append(parts, field+": "+strings.Join(msgs, "; "))
	}
	slices.Sort(parts)
	return strings.Join(parts, " | ")
}

func readItems(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payloads []map[string]any
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return payloads, nil
}

// parseFlagOverrides turns repeated name=bool flags into a static backend
// and the manifest naming them.
func parseFlagOverrides(overrides []string) (flags.Backend, flags.Manifest, error) {
	backend := flags.StaticBackend{}
	var manifest flags.Manifest
	for _, o := range overrides {
		name, val, ok := strings.Cut(o, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("expected name=bool, got %q", o)
		}
		on, err := strconv.ParseBool(val)
		if err != nil {
			return nil, nil, fmt.Errorf("flag %q: %w", name, err)
		}
		backend[name] = on
		manifest = append(manifest, name)
	}
	return backend, manifest, nil
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
