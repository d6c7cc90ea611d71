package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openkiln/kiln/jit"
)

// CacheOptions holds flags for the cache command tree.
type CacheOptions struct {
	*RootOptions
	Purge bool // verify: remove entries that fail their checks
}

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "cache",
		Short:         "Inspect and maintain the artifact cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List cache entries with their status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheList(opts, cmd)
		},
	}

	verify := &cobra.Command{
		Use:           "verify",
		Short:         "Check every entry's sidecar and artifact checksum",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheVerify(opts, cmd)
		},
	}
	verify.Flags().BoolVar(&opts.Purge, "purge", false, "remove entries that fail verification")

	clear := &cobra.Command{
		Use:           "clear",
		Short:         "Remove every cache entry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(opts, cmd)
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(verify)
	cmd.AddCommand(clear)

	return cmd
}

func runCacheList(opts *CacheOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := newRuntime(opts.RootOptions, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "runtime init failed", err)
	}
	defer rt.Close()

	entries, err := rt.CacheEntries()
	if err != nil {
		formatter.Error(ErrCodeCache, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cache scan failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "cache is empty")
		return nil
	}
	for _, e := range entries {
		switch e.Status {
		case "ok":
			fmt.Fprintf(out, "ok       %s  %s  %d bytes\n", e.Dir, e.Toolchain, e.SizeBytes)
		case "failed":
			fmt.Fprintf(out, "failed   %s\n", e.Dir)
		default:
			fmt.Fprintf(out, "corrupt  %s  %s\n", e.Dir, e.Detail)
		}
	}
	return nil
}

// CacheVerifyResult is the JSON payload for cache verify.
type CacheVerifyResult struct {
	Entries int              `json:"entries"`
	OK      int              `json:"ok"`
	Failed  int              `json:"failed"`
	Corrupt int              `json:"corrupt"`
	Purged  []string         `json:"purged,omitempty"`
	Bad     []jit.CacheEntry `json:"bad,omitempty"`
}

func runCacheVerify(opts *CacheOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := newRuntime(opts.RootOptions, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "runtime init failed", err)
	}
	defer rt.Close()

	entries, err := rt.CacheEntries()
	if err != nil {
		formatter.Error(ErrCodeCache, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cache scan failed", err)
	}

	res := CacheVerifyResult{Entries: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case "ok":
			res.OK++
		case "failed":
			res.Failed++
		default:
			res.Corrupt++
			res.Bad = append(res.Bad, e)
			if opts.Purge {
				if err := rt.PurgeCacheEntry(e.Dir); err != nil {
					formatter.Error(ErrCodeCache, err.Error(), nil)
					return WrapExitError(ExitCommandError, "purge failed", err)
				}
				res.Purged = append(res.Purged, e.Dir)
			}
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(res); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d entries: %d ok, %d failed, %d corrupt\n", res.Entries, res.OK, res.Failed, res.Corrupt)
		for _, e := range res.Bad {
			fmt.Fprintf(out, "corrupt  %s  %s\n", e.Dir, e.Detail)
		}
		for _, dir := range res.Purged {
			fmt.Fprintf(out, "purged   %s\n", dir)
		}
	}

	if res.Corrupt > 0 && !opts.Purge {
		return NewExitError(ExitFailure, fmt.Sprintf("%d corrupt entries", res.Corrupt))
	}
	return nil
}

func runCacheClear(opts *CacheOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rt, err := newRuntime(opts.RootOptions, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "runtime init failed", err)
	}
	defer rt.Close()

	removed, err := rt.ClearCache()
	if err != nil {
		formatter.Error(ErrCodeCache, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cache clear failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]int{"removed": removed})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
	return nil
}
