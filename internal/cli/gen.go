package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openkiln/kiln/internal/manifest"
	"github.com/openkiln/kiln/jit"
)

// GenOptions holds flags for the gen command.
type GenOptions struct {
	*RootOptions
	Kernel string // which manifest kernel to render; empty means all
	Output string // output file path; empty means stdout
}

// NewGenCommand creates the gen command.
func NewGenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gen <manifest.cue>",
		Short: "Render the source a manifest kernel would compile",
		Long: `Render the exact C++ source a build of each manifest kernel would hand
to the compiler, without compiling anything. Rendering is deterministic,
so the output is also what the cache key is computed over.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Kernel, "kernel", "k", "", "render only this kernel")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (default stdout)")

	return cmd
}

// GenResult is the JSON payload for one rendered kernel.
type GenResult struct {
	Kernel string `json:"kernel"`
	Source string `json:"source"`
}

func runGen(opts *GenOptions, path string, cmd *cobra.Command) error {
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

	var results []GenResult
	for _, k := range kernels {
		src, err := jit.Generate(k.Signature, k.Body)
		if err != nil {
			formatter.Error(ErrCodeManifest, fmt.Sprintf("kernel %s: %v", k.Name, err), nil)
			return WrapExitError(ExitCommandError, "generation failed", err)
		}
		results = append(results, GenResult{Kernel: k.Name, Source: src})
	}

	if opts.Format == "json" {
		return formatter.Success(results)
	}

	out := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			formatter.Error(ErrCodeManifest, err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot write output", err)
		}
		defer f.Close()
		out = f
	}
	for i, res := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if len(results) > 1 {
			fmt.Fprintf(out, "// ---- %s ----\n", res.Kernel)
		}
		fmt.Fprint(out, res.Source)
	}
	return nil
}

func filterKernels(kernels []manifest.Kernel, name string) []manifest.Kernel {
	var out []manifest.Kernel
	for _, k := range kernels {
		if k.Name == name {
			out = append(out, k)
		}
	}
	return out
}
