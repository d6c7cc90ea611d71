// Package jit compiles GPU kernel wrappers on demand and exposes them as
// callable handles.
//
// The pipeline has four stages:
//
//	generate -> compile -> cache -> invoke
//
// A caller describes a kernel's calling contract with a Signature, renders
// deterministic C++ source with Generate, and hands both to Runtime.Build.
// Build consults an on-disk artifact cache keyed by the kernel name, the
// exact generated source, the compile flags, and the toolchain identity;
// on a miss it drives the external compiler and installs the shared object
// atomically. The returned Kernel loads its artifact lazily on first Call
// and marshals Go arguments to the native calling convention, returning the
// kernel's int32 status verbatim.
//
// All state lives on an explicit Runtime value. Two Runtimes with different
// configurations (cache directory, compiler, flags) coexist in one process
// without sharing anything. Builds for the same key are deduplicated
// in-process and are safe across processes sharing a cache directory: every
// artifact is written to a unique temp file and published with a rename, so
// readers never observe partial files.
package jit
