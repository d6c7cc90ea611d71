package jit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Toolchain identifies one usable compiler: where it lives, what version
// it reports, and whether it is a CUDA toolchain or a plain host C++
// compiler accepted as a fallback. Its identity feeds the cache key, so
// switching compilers can never alias an old artifact.
type Toolchain struct {
	// Path is the compiler binary that was probed.
	Path string

	// Version is the parsed CUDA release ("12.4") for nvcc, or the first
	// line of --version output for a host compiler.
	Version string

	// CUDA reports whether the compiler is nvcc.
	CUDA bool
}

// Ident returns the stable identity string hashed into cache keys.
func (t *Toolchain) Ident() string {
	kind := "host"
	if t.CUDA {
		kind = "nvcc"
	}
	return kind + " " + t.Version + " " + t.Path
}

// String returns a human-readable description.
func (t *Toolchain) String() string {
	kind := "host"
	if t.CUDA {
		kind = "nvcc"
	}
	return fmt.Sprintf("%s %s (%s)", kind, t.Version, t.Path)
}

// BuildFlags returns the complete flag list for compiling one generated
// source into a shared object, minus the -o pair the driver appends. The
// order is fixed and extra flags keep their configured order, so the
// list hashes stably into the cache key.
func (t *Toolchain) BuildFlags(cfg Config) []string {
	var flags []string
	if t.CUDA {
		flags = []string{
			"-std=c++17",
			"-shared",
			"-O3",
			"--expt-relaxed-constexpr",
			"--expt-extended-lambda",
			"--compiler-options=-fPIC",
			"--diag-suppress=177,940",
		}
		if cfg.Arch != "" {
			flags = append(flags, fmt.Sprintf("-gencode=arch=compute_%s,code=sm_%s", cfg.Arch, cfg.Arch))
		}
	} else {
		// Host drivers treat the .cu suffix as linker input, so the
		// language is forced explicitly.
		flags = []string{
			"-std=c++17",
			"-shared",
			"-fPIC",
			"-O3",
			"-x", "c++",
		}
	}
	return append(flags, cfg.ExtraFlags...)
}

// cudaVersionRx extracts the release number from nvcc --version output.
var cudaVersionRx = regexp.MustCompile(`Cuda compilation tools, release (\d+\.\d+)`)

// hostCompilers are probed on PATH, in order, when no CUDA toolchain is
// found and host fallback is enabled.
var hostCompilers = []string{"c++", "g++", "clang++"}

// discoverToolchain locates a compiler per the configured policy.
//
// An explicitly configured compiler always wins: it is probed and used
// as-is, and a probe failure is fatal rather than a reason to keep
// searching. Otherwise nvcc is searched under $CUDA_HOME, $CUDA_PATH,
// the well-known installation roots, and finally on PATH; candidates
// below the configured version floor are rejected. If no CUDA toolchain
// turns up and host fallback is enabled, the usual host C++ compilers
// are probed on PATH.
//
// On failure the returned ToolchainNotFoundError lists every location
// probed and why it was rejected.
func discoverToolchain(cfg Config) (*Toolchain, error) {
	if cfg.Compiler != "" {
		tc, err := probeCompiler(cfg.Compiler)
		if err != nil {
			return nil, &ToolchainNotFoundError{
				Searched: []string{fmt.Sprintf("%s (configured): %v", cfg.Compiler, err)},
			}
		}
		return tc, nil
	}

	minVersion := cfg.MinCUDAVersion
	if minVersion == "" {
		minVersion = defaultMinCUDAVersion
	}

	var searched []string
	var candidates []string
	for _, env := range []string{"CUDA_HOME", "CUDA_PATH"} {
		if root := os.Getenv(env); root != "" {
			candidates = append(candidates, filepath.Join(root, "bin", "nvcc"))
		}
	}
	candidates = append(candidates,
		"/usr/local/cuda/bin/nvcc",
		"/opt/cuda/bin/nvcc",
	)

	for _, path := range candidates {
		tc, reason := tryNVCC(path, minVersion)
		if tc != nil {
			return tc, nil
		}
		searched = append(searched, fmt.Sprintf("%s: %s", path, reason))
	}

	if path, err := exec.LookPath("nvcc"); err == nil {
		tc, reason := tryNVCC(path, minVersion)
		if tc != nil {
			return tc, nil
		}
		searched = append(searched, fmt.Sprintf("%s: %s", path, reason))
	} else {
		searched = append(searched, "nvcc (PATH): not found")
	}

	if !cfg.HostFallback {
		searched = append(searched, "host fallback disabled")
		return nil, &ToolchainNotFoundError{Searched: searched}
	}

	for _, name := range hostCompilers {
		path, err := exec.LookPath(name)
		if err != nil {
			searched = append(searched, fmt.Sprintf("%s (PATH): not found", name))
			continue
		}
		tc, err := probeCompiler(path)
		if err != nil {
			searched = append(searched, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		return tc, nil
	}

	return nil, &ToolchainNotFoundError{Searched: searched}
}

// tryNVCC probes path expecting nvcc. Returns the toolchain, or a reason
// string for the discovery report.
func tryNVCC(path, minVersion string) (*Toolchain, string) {
	if _, err := os.Stat(path); err != nil {
		return nil, "not found"
	}
	tc, err := probeCompiler(path)
	if err != nil {
		return nil, err.Error()
	}
	if !tc.CUDA {
		return nil, "not a CUDA toolchain"
	}
	if compareVersions(tc.Version, minVersion) < 0 {
		return nil, fmt.Sprintf("release %s below minimum %s", tc.Version, minVersion)
	}
	return tc, ""
}

// probeCompiler runs `path --version` and classifies the result. Output
// matching nvcc's banner yields a CUDA toolchain with the parsed release;
// anything else that reports a version at all is taken as a host
// compiler.
func probeCompiler(path string) (*Toolchain, error) {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("--version failed: %v", err)
	}
	text := string(out)
	if m := cudaVersionRx.FindStringSubmatch(text); m != nil {
		return &Toolchain{Path: path, Version: m[1], CUDA: true}, nil
	}
	first := strings.TrimSpace(firstLine(text))
	if first == "" {
		return nil, fmt.Errorf("--version produced no output")
	}
	return &Toolchain{Path: path, Version: first, CUDA: false}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// compareVersions orders dotted numeric versions ("12.3" vs "12.10").
// Missing segments compare as zero; non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
