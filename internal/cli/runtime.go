package cli

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openkiln/kiln/jit"
)

// resolveConfig builds the effective runtime configuration: the config
// file when given, defaults otherwise, with flag overrides applied last.
// CLI logging goes to stderr and stays at warn unless --verbose.
func resolveConfig(opts *RootOptions, errWriter io.Writer) (jit.Config, error) {
	var cfg jit.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = jit.LoadConfig(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = jit.DefaultConfig()
	}
	if opts.CacheDir != "" {
		cfg.CacheDir = opts.CacheDir
	}
	if opts.Compiler != "" {
		cfg.Compiler = opts.Compiler
	}

	log := logrus.New()
	log.SetOutput(errWriter)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	cfg.Logger = log
	return cfg, nil
}

// newRuntime builds a runtime for one command invocation. The caller
// owns the Close.
func newRuntime(opts *RootOptions, cmd *cobra.Command) (*jit.Runtime, error) {
	cfg, err := resolveConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return jit.New(cfg)
}

// newFormatter builds the standard formatter wired to the command's
// streams.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}
