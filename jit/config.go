package jit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment variables honored by DefaultConfig. Explicit Config fields
// and config files always win over the environment.
const (
	// EnvCompiler overrides toolchain discovery with an exact compiler
	// path.
	EnvCompiler = "KILN_NVCC"

	// EnvCacheDir overrides the artifact cache location.
	EnvCacheDir = "KILN_CACHE_DIR"

	// EnvArch overrides the target GPU architecture.
	EnvArch = "KILN_ARCH"

	// EnvDebug, when set to a non-empty value, raises logging to debug.
	EnvDebug = "KILN_DEBUG"
)

// defaultMinCUDAVersion is the lowest CUDA release accepted during
// discovery. The generated source leans on compiler features that ship
// from this release on.
const defaultMinCUDAVersion = "12.3"

// defaultArch is the GPU architecture compiled for when none is
// configured.
const defaultArch = "90a"

// Config carries everything a Runtime needs. The zero value is usable:
// New fills unset fields from DefaultConfig, so most callers set only
// what they want to pin.
type Config struct {
	// CacheDir is the artifact cache root. Created on first use.
	CacheDir string

	// Compiler pins the toolchain to an exact binary, skipping
	// discovery order. Empty means discover.
	Compiler string

	// Arch is the target GPU architecture, e.g. "90a". Ignored for host
	// toolchains.
	Arch string

	// ExtraFlags are appended verbatim to every compile, after the
	// built-in flag set. They participate in the cache key.
	ExtraFlags []string

	// HostFallback permits a plain host C++ compiler when no CUDA
	// toolchain is found. Kernels built this way cannot launch device
	// code, but generate, compile, cache and load behave identically,
	// which is what development machines without GPUs need.
	HostFallback bool

	// MinCUDAVersion is the lowest acceptable CUDA release. Empty means
	// the built-in floor.
	MinCUDAVersion string

	// BuildTimeout bounds a single compiler invocation. Zero means no
	// timeout beyond the caller's context.
	BuildTimeout time.Duration

	// BuildLog is the path of the sqlite build history database. Empty
	// disables build history.
	BuildLog string

	// LogLevel is a logrus level name. Empty means "info".
	LogLevel string

	// Logger receives runtime logging. Nil means a new logger writing
	// to stderr at LogLevel.
	Logger *logrus.Logger
}

// DefaultConfig returns the standing defaults with the KILN_* environment
// applied: cache under ~/.kiln/cache, discovered toolchain with host
// fallback enabled, no build timeout, no build history.
func DefaultConfig() Config {
	cfg := Config{
		CacheDir:     defaultCacheDir(),
		Compiler:     os.Getenv(EnvCompiler),
		Arch:         defaultArch,
		HostFallback: true,
		LogLevel:     "info",
	}
	if arch := os.Getenv(EnvArch); arch != "" {
		cfg.Arch = arch
	}
	if os.Getenv(EnvDebug) != "" {
		cfg.LogLevel = "debug"
	}
	return cfg
}

func defaultCacheDir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kiln", "cache")
	}
	return filepath.Join(home, ".kiln", "cache")
}

// fileConfig mirrors Config for YAML decoding. Durations arrive as
// strings ("90s", "5m") and are parsed explicitly.
type fileConfig struct {
	CacheDir       string   `yaml:"cache_dir"`
	Compiler       string   `yaml:"compiler"`
	Arch           string   `yaml:"arch"`
	ExtraFlags     []string `yaml:"extra_flags"`
	HostFallback   *bool    `yaml:"host_fallback"`
	MinCUDAVersion string   `yaml:"min_cuda_version"`
	BuildTimeout   string   `yaml:"build_timeout"`
	BuildLog       string   `yaml:"build_log"`
	LogLevel       string   `yaml:"log_level"`
}

// LoadConfig reads a YAML config file over the DefaultConfig base.
// Unknown keys are rejected so typos fail loudly instead of silently
// running with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.CacheDir != "" {
		cfg.CacheDir = fc.CacheDir
	}
	if fc.Compiler != "" {
		cfg.Compiler = fc.Compiler
	}
	if fc.Arch != "" {
		cfg.Arch = fc.Arch
	}
	if len(fc.ExtraFlags) > 0 {
		cfg.ExtraFlags = fc.ExtraFlags
	}
	if fc.HostFallback != nil {
		cfg.HostFallback = *fc.HostFallback
	}
	if fc.MinCUDAVersion != "" {
		cfg.MinCUDAVersion = fc.MinCUDAVersion
	}
	if fc.BuildTimeout != "" {
		d, err := time.ParseDuration(fc.BuildTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: build_timeout: %w", path, err)
		}
		cfg.BuildTimeout = d
	}
	if fc.BuildLog != "" {
		cfg.BuildLog = fc.BuildLog
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	return cfg, nil
}

// expandHome resolves a leading ~/ against the user's home directory.
// Paths it cannot resolve are returned unchanged.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// newLogger builds the default stderr logger at the named level.
// Unknown level names fall back to info.
func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	log.SetLevel(lv)
	return log
}
