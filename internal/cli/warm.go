package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openkiln/kiln/internal/manifest"
	"github.com/openkiln/kiln/jit"
)

// WarmOptions holds flags for the warm command.
type WarmOptions struct {
	*RootOptions
	Kernel     string // warm only this kernel
	KeepGoing  bool   // continue past build failures
	ShowOutput bool   // print compiler output for failed builds
}

// NewWarmCommand creates the warm command.
func NewWarmCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WarmOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "warm <manifest.cue>",
		Short: "Build every manifest kernel into the cache",
		Long: `Build each kernel described by the manifest, populating the artifact
cache so later runtime builds hit instead of compiling. Kernels whose
artifacts are already cached are not recompiled.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWarm(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Kernel, "kernel", "k", "", "build only this kernel")
	cmd.Flags().BoolVar(&opts.KeepGoing, "keep-going", false, "continue past build failures")
	cmd.Flags().BoolVar(&opts.ShowOutput, "show-output", false, "print compiler output for failures")

	return cmd
}

// WarmResult is the JSON payload for one warmed kernel.
type WarmResult struct {
	Kernel   string `json:"kernel"`
	Key      string `json:"key,omitempty"`
	Status   string `json:"status"` // built, failed
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
}

func runWarm(opts *WarmOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	kernels, err := manifest.Load(path)
	if err != nil {
		formatter.Error(ErrCodeManifest, err.Error(), nil)
		return WrapExitError(ExitCommandError, "manifest rejected", err)
	}

	if opts.Kernel != "" {
		kernels = filterKernels(kernels, opts.Kernel)
		if len(kernels) == 0 {
			msg := fmt.Sprintf("kernel %q not in manifest", opts.Kernel)
			formatter.Error(ErrCodeManifest, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
	}

	rt, err := newRuntime(opts.RootOptions, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "runtime init failed", err)
	}
	defer rt.Close()

	var results []WarmResult
	failed := 0
	for _, k := range kernels {
		start := time.Now()
		kernel, err := rt.Build(cmd.Context(), k.Name, k.Signature, k.Body)
		if err != nil {
			failed++
			res := WarmResult{Kernel: k.Name, Status: "failed", Error: err.Error()}
			var cerr *jit.CompileError
			if errors.As(err, &cerr) {
				// The full diagnostics stay behind --show-output.
				res.Error = fmt.Sprintf("compiler exited with code %d", cerr.ExitCode)
				if opts.ShowOutput {
					res.Output = cerr.Output
				}
			}
			results = append(results, res)
			if !opts.KeepGoing {
				emitWarm(opts, formatter, cmd, results)
				return WrapExitError(ExitFailure, fmt.Sprintf("kernel %s failed", k.Name), err)
			}
			continue
		}
		results = append(results, WarmResult{
			Kernel:   k.Name,
			Key:      kernel.Key(),
			Status:   "built",
			Duration: time.Since(start).Round(time.Millisecond).String(),
		})
	}

	if err := emitWarm(opts, formatter, cmd, results); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d kernels failed", failed, len(kernels)))
	}
	return nil
}

func emitWarm(opts *WarmOptions, formatter *OutputFormatter, cmd *cobra.Command, results []WarmResult) error {
	if opts.Format == "json" {
		return formatter.Success(results)
	}
	out := cmd.OutOrStdout()
	for _, res := range results {
		switch res.Status {
		case "built":
			fmt.Fprintf(out, "built   %s  key=%s  %s\n", res.Kernel, res.Key, res.Duration)
		default:
			fmt.Fprintf(out, "failed  %s  %s\n", res.Kernel, res.Error)
			if res.Output != "" {
				fmt.Fprintln(out, res.Output)
			}
		}
	}
	return nil
}
