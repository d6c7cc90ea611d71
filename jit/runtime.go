package jit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/openkiln/kiln/internal/buildlog"
)

// Runtime owns one cache directory, one discovered toolchain, and the
// kernels built through it. All state is explicit: two Runtimes with
// different configurations coexist in one process without sharing
// anything.
//
// Methods are safe for concurrent use. Concurrent Builds of the same
// inputs are collapsed to a single compile; distinct inputs proceed in
// parallel.
type Runtime struct {
	cfg   Config
	log   *logrus.Logger
	cache *cache
	blog  *buildlog.Store

	tcOnce sync.Once
	tc     *Toolchain
	tcErr  error

	group singleflight.Group

	mu      sync.Mutex
	kernels map[string]*Kernel
	closed  bool
}

// New builds a Runtime. Zero-valued Config fields fall back to
// DefaultConfig, except HostFallback, which stays as given. The cache
// directory is created eagerly; toolchain discovery waits until the
// first build so a Runtime can be constructed on machines without any
// compiler at all.
func New(cfg Config) (*Runtime, error) {
	base := DefaultConfig()
	if cfg.CacheDir == "" {
		cfg.CacheDir = base.CacheDir
	}
	if cfg.Compiler == "" {
		cfg.Compiler = base.Compiler
	}
	if cfg.Arch == "" {
		cfg.Arch = base.Arch
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = base.LogLevel
	}
	cfg.CacheDir = expandHome(cfg.CacheDir)

	log := cfg.Logger
	if log == nil {
		log = newLogger(cfg.LogLevel)
	}

	c, err := openCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	var blog *buildlog.Store
	if cfg.BuildLog != "" {
		blog, err = buildlog.Open(expandHome(cfg.BuildLog))
		if err != nil {
			return nil, fmt.Errorf("open build log: %w", err)
		}
	}

	r := &Runtime{
		cfg:     cfg,
		log:     log,
		cache:   c,
		blog:    blog,
		kernels: make(map[string]*Kernel),
	}
	log.WithField("cache_dir", cfg.CacheDir).Debug("runtime ready")
	return r, nil
}

// Close unloads every loaded kernel and closes the build history.
// Kernels handed out by this Runtime must not be Called afterwards.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, k := range r.kernels {
		if err := k.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.blog != nil {
		if err := r.blog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Config returns the effective configuration, defaults applied.
func (r *Runtime) Config() Config { return r.cfg }

// BuildLog returns the build history store, or nil when history is
// disabled.
func (r *Runtime) BuildLog() *buildlog.Store { return r.blog }

// Toolchain returns the compiler this Runtime builds with, discovering
// it on first use. The outcome is cached for the Runtime's lifetime,
// success or failure, so the toolchain identity baked into cache keys
// cannot drift mid-process.
func (r *Runtime) Toolchain() (*Toolchain, error) {
	r.tcOnce.Do(func() {
		r.tc, r.tcErr = discoverToolchain(r.cfg)
		if r.tcErr == nil {
			r.log.WithFields(logrus.Fields{
				"compiler": r.tc.Path,
				"version":  r.tc.Version,
				"cuda":     r.tc.CUDA,
			}).Info("toolchain selected")
		}
	})
	return r.tc, r.tcErr
}

// Build returns a ready Kernel for the given name, signature and source,
// compiling at most once per distinct input. The cache key covers the
// name, the exact source text, the compile flags and the toolchain
// identity; a hit skips the compiler entirely.
//
// Concurrent Builds with the same key share one compile; a caller whose
// ctx ends while waiting detaches with ctx.Err() and the build finishes
// for the others. Failed compiles are reported as CompileError and are
// never cached.
func (r *Runtime) Build(ctx context.Context, name string, sig Signature, source string) (*Kernel, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("runtime is closed")
	}
	if strings.TrimSpace(name) == "" {
		return nil, &ArgumentTypeError{Detail: "kernel name is empty"}
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(source) == "" {
		return nil, &ArgumentTypeError{Detail: "kernel source is empty"}
	}

	tc, err := r.Toolchain()
	if err != nil {
		return nil, err
	}
	flags := tc.BuildFlags(r.cfg)
	key := CacheKey(name, source, flags, tc)

	req := buildRequest{
		name:   name,
		sig:    sig,
		source: source,
		tc:     tc,
		flags:  flags,
		key:    key,
		entry:  entryName(name, key),
	}

	ch := r.group.DoChan(key, func() (any, error) {
		return r.buildEntry(ctx, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Kernel), nil
	}
}

// buildRequest carries one resolved build through the cache and the
// compiler driver.
type buildRequest struct {
	name   string
	sig    Signature
	source string
	tc     *Toolchain
	flags  []string
	key    string
	entry  string
}

func (r *Runtime) buildEntry(ctx context.Context, req buildRequest) (*Kernel, error) {
	log := r.log.WithFields(logrus.Fields{"kernel": req.name, "key": req.key})

	meta, err := r.cache.lookup(req.entry, req.key)
	if err != nil {
		var corrupt *CacheCorruptionError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		metricCacheCorrupt.Inc()
		log.WithField("reason", corrupt.Reason).Warn("discarding corrupt cache entry")
		if perr := r.cache.purge(req.entry); perr != nil {
			return nil, fmt.Errorf("purge corrupt entry: %w", perr)
		}
	}
	if meta != nil && meta.Signature != req.sig.String() {
		// The key is derived from the source, which encodes the
		// signature, so a recorded signature that disagrees with the
		// request means the entry does not describe this artifact.
		metricCacheCorrupt.Inc()
		log.WithField("recorded", meta.Signature).Warn("discarding cache entry with mismatched signature")
		if perr := r.cache.purge(req.entry); perr != nil {
			return nil, fmt.Errorf("purge corrupt entry: %w", perr)
		}
		meta = nil
	}
	if meta != nil {
		metricCacheHits.Inc()
		log.Debug("cache hit")
		return r.kernelFor(req), nil
	}

	metricCacheMisses.Inc()
	return r.compile(ctx, req, log)
}

// compile drives one compiler invocation and installs the result: source
// first, then the artifact via temp file and rename, then the sidecar
// that marks the entry complete. Diagnostics are persisted either way.
func (r *Runtime) compile(ctx context.Context, req buildRequest, log *logrus.Entry) (*Kernel, error) {
	if err := r.cache.writeSource(req.entry, []byte(req.source)); err != nil {
		return nil, err
	}

	tmpSO := r.cache.tempPath(".so")
	args := make([]string, 0, len(req.flags)+3)
	args = append(args, req.flags...)
	args = append(args, r.cache.sourcePath(req.entry), "-o", tmpSO)
	command := append([]string{req.tc.Path}, args...)

	cctx := ctx
	if r.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.cfg.BuildTimeout)
		defer cancel()
	}

	log.WithField("command", strings.Join(command, " ")).Debug("compiling")
	start := time.Now()
	out, err := exec.CommandContext(cctx, req.tc.Path, args...).CombinedOutput()
	elapsed := time.Since(start)
	metricBuildSeconds.Observe(elapsed.Seconds())

	now := time.Now().UTC()
	meta := entryMeta{
		Name:       req.name,
		Key:        req.key,
		Signature:  req.sig.String(),
		Toolchain:  req.tc.Ident(),
		Command:    command,
		Output:     string(out),
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  now,
	}

	if err != nil {
		os.Remove(tmpSO)

		exitCode := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
		if cctx.Err() == context.DeadlineExceeded {
			meta.Output += fmt.Sprintf("\nbuild timed out after %s", r.cfg.BuildTimeout)
		}
		meta.ExitCode = exitCode
		if werr := r.cache.writeMeta(req.entry, &meta); werr != nil {
			log.WithError(werr).Warn("could not persist failure diagnostics")
		}

		metricBuilds.WithLabelValues("failed").Inc()
		r.recordBuild(req, "failed", elapsed, meta.Output)
		log.WithFields(logrus.Fields{"exit_code": exitCode, "duration": elapsed}).Error("kernel build failed")
		return nil, &CompileError{
			Name:     req.name,
			Command:  command,
			ExitCode: exitCode,
			Output:   meta.Output,
		}
	}

	sum, err := sha256File(tmpSO)
	if err != nil {
		os.Remove(tmpSO)
		return nil, fmt.Errorf("checksum artifact: %w", err)
	}
	if err := r.cache.installArtifact(req.entry, tmpSO); err != nil {
		return nil, err
	}
	meta.ArtifactSHA256 = sum
	if err := r.cache.writeMeta(req.entry, &meta); err != nil {
		return nil, fmt.Errorf("write sidecar: %w", err)
	}

	metricBuilds.WithLabelValues("ok").Inc()
	r.recordBuild(req, "ok", elapsed, meta.Output)
	log.WithField("duration", elapsed).Info("kernel built")
	return r.kernelFor(req), nil
}

// kernelFor returns the process-wide Kernel for a key, creating it on
// first use. One Kernel per key means one dlopen and one prepared call
// frame no matter how many Builds resolve to the same artifact.
func (r *Runtime) kernelFor(req buildRequest) *Kernel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.kernels[req.key]; ok {
		return k
	}
	k := &Kernel{
		name: req.name,
		key:  req.key,
		path: r.cache.artifactPath(req.entry),
		sig:  req.sig,
		log:  r.log.WithField("component", "kernel"),
	}
	r.kernels[req.key] = k
	return k
}

// recordBuild appends to the build history. History is advisory; a
// failed insert is logged and swallowed.
func (r *Runtime) recordBuild(req buildRequest, status string, elapsed time.Duration, output string) {
	if r.blog == nil {
		return
	}
	rec := buildlog.Record{
		ID:         uuid.NewString(),
		Key:        req.key,
		Name:       req.name,
		Toolchain:  req.tc.Ident(),
		Status:     status,
		DurationMS: elapsed.Milliseconds(),
		Output:     output,
		CreatedAt:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.blog.Append(ctx, rec); err != nil {
		r.log.WithError(err).Warn("could not record build history")
	}
}

// CacheEntries scans and classifies every cache entry, verifying
// artifact checksums.
func (r *Runtime) CacheEntries() ([]CacheEntry, error) {
	return r.cache.entries()
}

// PurgeCacheEntry removes one entry by its directory name, as reported
// by CacheEntries.
func (r *Runtime) PurgeCacheEntry(dir string) error {
	if dir == "" || strings.ContainsAny(dir, "/\\") || dir == tempDirName {
		return fmt.Errorf("invalid cache entry name %q", dir)
	}
	return r.cache.purge(dir)
}

// ClearCache removes every cache entry and returns how many were
// removed. Kernels already loaded keep working: the loader holds the
// mapping open. Unloaded kernels rebuild on their next Build (same key,
// identical artifact), so clearing mid-flight is safe, just slow.
func (r *Runtime) ClearCache() (int, error) {
	return r.cache.clear()
}
