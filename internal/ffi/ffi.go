// Package ffi loads shared objects and calls int32-returning entry
// points through libffi. It exists so the runtime above it can marshal a
// small closed set of argument classes without caring about the dynamic
// loader or call-frame construction.
//
// The real implementation is cgo on linux; everywhere else the package
// compiles to stubs that fail with ErrUnavailable, keeping generate,
// compile and cache usable on platforms that cannot load artifacts.
package ffi

import "errors"

// ErrUnavailable reports that dynamic loading is not compiled in. It is
// returned by Open and NewCIF on builds without cgo or off linux.
var ErrUnavailable = errors.New("ffi: dynamic kernel loading requires cgo on linux")

// ArgClass selects the native representation of one argument. The set is
// closed; the caller validates before building a frame.
type ArgClass uint8

const (
	// ClassPointer passes a machine pointer.
	ClassPointer ArgClass = iota

	// ClassBool passes a one-byte integer holding 0 or 1.
	ClassBool

	// ClassInt32 passes a signed 32-bit integer.
	ClassInt32

	// ClassFloat32 passes a 32-bit float in the floating register class.
	ClassFloat32
)

// Arg is one marshalled argument: its class plus the raw value in the
// field matching the class. Use the constructors.
type Arg struct {
	Class ArgClass
	Ptr   uintptr
	I32   int32
	F32   float32
	B     bool
}

// Pointer wraps a raw address, device or host.
func Pointer(p uintptr) Arg { return Arg{Class: ClassPointer, Ptr: p} }

// Bool wraps a boolean flag.
func Bool(b bool) Arg { return Arg{Class: ClassBool, B: b} }

// Int32 wraps a 32-bit integer scalar.
func Int32(v int32) Arg { return Arg{Class: ClassInt32, I32: v} }

// Float32 wraps a 32-bit floating scalar.
func Float32(v float32) Arg { return Arg{Class: ClassFloat32, F32: v} }
