package jit

import (
	"errors"
	"fmt"
	"strings"
)

// ArgumentTypeError reports a signature that cannot be mapped onto the
// native calling convention: an unknown parameter kind, a malformed
// identifier, a duplicate name, or a malformed include directive.
//
// It is raised while a signature is validated, before any source is
// rendered and before anything is written to the cache.
type ArgumentTypeError struct {
	// Param is the offending parameter name, if one is known.
	Param string

	// Detail describes what was rejected.
	Detail string
}

// Error implements the error interface.
func (e *ArgumentTypeError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("argument %q: %s", e.Param, e.Detail)
	}
	return fmt.Sprintf("invalid signature: %s", e.Detail)
}

// ToolchainNotFoundError reports that no usable compiler was found.
// Searched lists every location that was probed, in probe order, so the
// message is actionable without rerunning discovery.
type ToolchainNotFoundError struct {
	// Searched holds one entry per probed location, each annotated with
	// why it was rejected.
	Searched []string
}

// Error implements the error interface.
func (e *ToolchainNotFoundError) Error() string {
	if len(e.Searched) == 0 {
		return "no usable compiler found"
	}
	return fmt.Sprintf("no usable compiler found (probed: %s)", strings.Join(e.Searched, "; "))
}

// CompileError reports a failed compiler invocation. The full command and
// the captured diagnostics are preserved so the failure can be reproduced
// by hand. Failed builds are never installed into the cache; the next
// Build with the same inputs compiles again.
type CompileError struct {
	// Name is the kernel name the build was for.
	Name string

	// Command is the exact compiler invocation, argv[0] included.
	Command []string

	// ExitCode is the compiler's exit status. -1 when the process could
	// not be started or was killed before exiting.
	ExitCode int

	// Output is the combined stdout and stderr of the compiler.
	Output string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("compile %s: %s exited with code %d", e.Name, strings.Join(e.Command, " "), e.ExitCode)
	}
	return fmt.Sprintf("compile %s: %s exited with code %d\n%s", e.Name, strings.Join(e.Command, " "), e.ExitCode, out)
}

// CacheCorruptionError reports a cache entry that exists but failed its
// integrity check: a truncated artifact, a missing sidecar, or a sidecar
// that does not match the artifact. The runtime handles it internally by
// discarding the entry and rebuilding; callers only see it if the rebuild
// fails too.
type CacheCorruptionError struct {
	// Key is the cache key of the damaged entry.
	Key string

	// Path is the file that failed the check.
	Path string

	// Reason describes the failed check.
	Reason string
}

// Error implements the error interface.
func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache entry %s corrupt: %s (%s)", e.Key, e.Reason, e.Path)
}

// LoadError reports a failure to load a compiled artifact or resolve its
// entry symbol. It carries the artifact path and the dynamic loader's own
// message.
type LoadError struct {
	// Path is the shared object that failed to load.
	Path string

	// Symbol is the entry symbol being resolved, empty if the failure
	// happened before symbol resolution.
	Symbol string

	// Reason is the loader's diagnostic.
	Reason string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("load %s: symbol %q: %s", e.Path, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Reason)
}

// InvocationArityError reports an argument list that does not match the
// kernel's signature: wrong count, or a value whose Go type cannot be
// marshalled as the declared parameter kind. It is raised before any
// native code runs, so a failed Call has no side effects.
type InvocationArityError struct {
	// Kernel is the kernel name.
	Kernel string

	// Index is the zero-based position of the offending argument, or -1
	// when the argument count itself is wrong.
	Index int

	// Want describes the expected parameter.
	Want string

	// Got describes the value that was supplied.
	Got string
}

// Error implements the error interface.
func (e *InvocationArityError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("call %s: want %s, got %s", e.Kernel, e.Want, e.Got)
	}
	return fmt.Sprintf("call %s: argument %d: want %s, got %s", e.Kernel, e.Index, e.Want, e.Got)
}

// IsArgumentTypeError returns true if the error is a signature rejection.
// Uses errors.As to handle wrapped errors.
func IsArgumentTypeError(err error) bool {
	var e *ArgumentTypeError
	return errors.As(err, &e)
}

// IsToolchainNotFound returns true if the error is a failed toolchain
// discovery. Uses errors.As to handle wrapped errors.
func IsToolchainNotFound(err error) bool {
	var e *ToolchainNotFoundError
	return errors.As(err, &e)
}

// IsCompileError returns true if the error is a failed compiler
// invocation. Uses errors.As to handle wrapped errors.
func IsCompileError(err error) bool {
	var e *CompileError
	return errors.As(err, &e)
}

// IsCacheCorruption returns true if the error is a failed cache integrity
// check. Uses errors.As to handle wrapped errors.
func IsCacheCorruption(err error) bool {
	var e *CacheCorruptionError
	return errors.As(err, &e)
}

// IsLoadError returns true if the error is a failed artifact load.
// Uses errors.As to handle wrapped errors.
func IsLoadError(err error) bool {
	var e *LoadError
	return errors.As(err, &e)
}

// IsInvocationArityError returns true if the error is an argument list
// mismatch. Uses errors.As to handle wrapped errors.
func IsInvocationArityError(err error) bool {
	var e *InvocationArityError
	return errors.As(err, &e)
}
