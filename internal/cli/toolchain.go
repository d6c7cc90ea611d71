package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ToolchainResult is the JSON payload for the toolchain command.
type ToolchainResult struct {
	Compiler string `json:"compiler"`
	Version  string `json:"version"`
	CUDA     bool   `json:"cuda"`
	Identity string `json:"identity"`
}

// NewToolchainCommand creates the toolchain command.
func NewToolchainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toolchain",
		Short: "Show the compiler that builds would use",
		Long: `Run toolchain discovery with the effective configuration and report
the selected compiler, or every probed location when none is usable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolchain(rootOpts, cmd)
		},
	}
}

func runToolchain(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := newRuntime(opts, cmd)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "configuration failed", err)
	}
	defer rt.Close()

	tc, err := rt.Toolchain()
	if err != nil {
		formatter.Error(ErrCodeToolchain, err.Error(), nil)
		return WrapExitError(ExitCommandError, "no usable compiler", err)
	}

	if opts.Format == "json" {
		return formatter.Success(ToolchainResult{
			Compiler: tc.Path,
			Version:  tc.Version,
			CUDA:     tc.CUDA,
			Identity: tc.Ident(),
		})
	}

	kind := "host"
	if tc.CUDA {
		kind = "nvcc"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compiler: %s\nversion:  %s\nkind:     %s\n", tc.Path, tc.Version, kind)
	return nil
}
