package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openkiln/kiln/internal/buildlog"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit int    // most recent N records
	Key   string // filter by cache key
	Stats bool   // print aggregate statistics instead of records
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show build history",
		Long: `Show the build history recorded alongside the cache: one record per
compiler invocation with timing, status, and diagnostics. The history is
advisory and never influences what gets rebuilt.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "most recent records to show (0 for all)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "show only builds for this cache key")
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "show aggregate statistics")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := newRuntime(opts.RootOptions, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "runtime init failed", err)
	}
	defer rt.Close()

	store := rt.BuildLog()
	if store == nil {
		msg := "build history is disabled"
		formatter.Error(ErrCodeHistory, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if opts.Stats {
		stats, err := store.Summarize(ctx)
		if err != nil {
			formatter.Error(ErrCodeHistory, err.Error(), nil)
			return WrapExitError(ExitCommandError, "history query failed", err)
		}
		if opts.Format == "json" {
			return formatter.Success(stats)
		}
		fmt.Fprintf(out, "builds:    %d\n", stats.Total)
		fmt.Fprintf(out, "succeeded: %d\n", stats.Succeeded)
		fmt.Fprintf(out, "failed:    %d\n", stats.Failed)
		fmt.Fprintf(out, "avg build: %.0f ms\n", stats.AvgBuildMS)
		fmt.Fprintf(out, "max build: %d ms\n", stats.MaxBuildMS)
		return nil
	}

	var records []buildlog.Record
	if opts.Key != "" {
		records, err = store.ListByKey(ctx, opts.Key)
	} else {
		records, err = store.List(ctx, opts.Limit)
	}
	if err != nil {
		formatter.Error(ErrCodeHistory, err.Error(), nil)
		return WrapExitError(ExitCommandError, "history query failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "no builds recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %-6s  %s  key=%s  %dms\n",
			rec.CreatedAt.Local().Format(time.DateTime), rec.Status, rec.Name, rec.Key, rec.DurationMS)
	}
	return nil
}
