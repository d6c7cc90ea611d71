//go:build linux && cgo

package ffi

/*
#cgo LDFLAGS: -ldl
#cgo pkg-config: libffi
#include <ffi.h>
#include <dlfcn.h>
#include <stdlib.h>
#include <stdint.h>

static void* kf_dlopen(const char* path) {
	return dlopen(path, RTLD_LAZY | RTLD_LOCAL);
}

static const char* kf_dlerror(void) {
	return dlerror();
}

// Clear dlerror, resolve, and report the error alongside the symbol so a
// legitimately-NULL symbol is distinguishable from a failure.
static void* kf_dlsym(void* h, const char* name, char** err) {
	dlerror();
	void* p = dlsym(h, name);
	char* e = dlerror();
	if (e) { if (err) *err = e; return NULL; }
	if (err) *err = NULL;
	return p;
}

static int kf_dlclose(void* h) {
	return dlclose(h);
}

// The cif lives on the C heap so it outlives any Go stack frame; libffi
// keeps reading it on every call.
static ffi_cif* kf_alloc_cif(void) {
	return (ffi_cif*)malloc(sizeof(ffi_cif));
}

// ffi_call wrapper taking a generic void* fn, avoiding cgo's
// function-pointer typing at the call site.
static void kf_call(ffi_cif* cif, void* fn, void* rvalue, void** avalue) {
	ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

// libffi widens sub-word returns to a full ffi_arg; read it back through
// that type so the low 32 bits come out right on any endianness.
static int32_t kf_read_status(void* rvalue) {
	return (int32_t)*(ffi_arg*)rvalue;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Lib is an open shared object.
type Lib struct {
	h unsafe.Pointer
}

func dlerr() string {
	if e := C.kf_dlerror(); e != nil {
		return C.GoString(e)
	}
	return "unknown dlerror"
}

// Open dlopens path with RTLD_LAZY | RTLD_LOCAL. Lazy binding matters:
// artifacts referencing CUDA runtime symbols still open on machines that
// resolve them only when a kernel actually launches.
func Open(path string) (*Lib, error) {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	h := C.kf_dlopen(cs)
	if h == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, dlerr())
	}
	return &Lib{h: h}, nil
}

// Sym resolves a symbol, distinguishing a missing symbol from one that is
// genuinely NULL.
func (l *Lib) Sym(name string) (uintptr, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	var cerr *C.char
	p := C.kf_dlsym(l.h, cs, &cerr)
	if cerr != nil {
		return 0, fmt.Errorf("dlsym %q: %s", name, C.GoString(cerr))
	}
	return uintptr(p), nil
}

// Close dlcloses the object. Resolved symbols are invalid afterwards.
func (l *Lib) Close() error {
	if l.h == nil {
		return nil
	}
	if C.kf_dlclose(l.h) != 0 {
		return fmt.Errorf("dlclose: %s", dlerr())
	}
	l.h = nil
	return nil
}

const ptrSize = unsafe.Sizeof(uintptr(0))

// slotSize is the per-argument scratch size. Every supported class fits
// in 8 bytes, and libffi reads exactly sizeof(type) from each slot.
const slotSize = 8

// CIF is a prepared call interface for one argument-class sequence with
// an int32 return. Prepare once per kernel, call many times.
type CIF struct {
	cif    *C.ffi_cif
	atypes unsafe.Pointer
	n      int
}

func classType(c ArgClass) (*C.ffi_type, error) {
	switch c {
	case ClassPointer:
		return &C.ffi_type_pointer, nil
	case ClassBool:
		return &C.ffi_type_uint8, nil
	case ClassInt32:
		return &C.ffi_type_sint32, nil
	case ClassFloat32:
		return &C.ffi_type_float, nil
	default:
		return nil, fmt.Errorf("unknown argument class %d", c)
	}
}

// NewCIF prepares a call interface for the given argument classes.
func NewCIF(classes []ArgClass) (*CIF, error) {
	n := len(classes)
	var atypes unsafe.Pointer
	var typesPtr **C.ffi_type
	if n > 0 {
		atypes = C.malloc(C.size_t(n) * C.size_t(ptrSize))
		if atypes == nil {
			return nil, fmt.Errorf("ffi_prep_cif: out of memory")
		}
		vec := (*[1 << 20]*C.ffi_type)(atypes)[:n:n]
		for i, cls := range classes {
			t, err := classType(cls)
			if err != nil {
				C.free(atypes)
				return nil, err
			}
			vec[i] = t
		}
		typesPtr = (**C.ffi_type)(atypes)
	}

	cif := C.kf_alloc_cif()
	if cif == nil {
		if atypes != nil {
			C.free(atypes)
		}
		return nil, fmt.Errorf("ffi_prep_cif: out of memory")
	}
	st := C.ffi_prep_cif(cif, C.FFI_DEFAULT_ABI, C.uint(n), &C.ffi_type_sint32, typesPtr)
	if st != C.FFI_OK {
		C.free(unsafe.Pointer(cif))
		if atypes != nil {
			C.free(atypes)
		}
		return nil, fmt.Errorf("ffi_prep_cif failed: %d", int(st))
	}
	return &CIF{cif: cif, atypes: atypes, n: n}, nil
}

// Free releases the C-heap state. The CIF is unusable afterwards.
func (c *CIF) Free() {
	if c.cif != nil {
		C.free(unsafe.Pointer(c.cif))
		c.cif = nil
	}
	if c.atypes != nil {
		C.free(c.atypes)
		c.atypes = nil
	}
}

// Call invokes fn with args and returns the int32 status. The argument
// slice must match the classes the CIF was prepared with; the caller is
// expected to have validated that already, so a mismatch here is an
// internal error, not a user-facing one.
func (c *CIF) Call(fn uintptr, args []Arg) (int32, error) {
	if c.cif == nil {
		return 0, fmt.Errorf("ffi: call on freed CIF")
	}
	if fn == 0 {
		return 0, fmt.Errorf("ffi: call with nil function")
	}
	if len(args) != c.n {
		return 0, fmt.Errorf("ffi: frame mismatch: cif has %d args, got %d", c.n, len(args))
	}

	// Argument slots and the return slot live on the C heap for the
	// duration of the call; nothing here survives it.
	rvalue := C.malloc(slotSize)
	if rvalue == nil {
		return 0, fmt.Errorf("ffi: out of memory")
	}
	defer C.free(rvalue)

	var avalue unsafe.Pointer
	if c.n > 0 {
		avalue = C.malloc(C.size_t(c.n) * C.size_t(ptrSize))
		if avalue == nil {
			return 0, fmt.Errorf("ffi: out of memory")
		}
		defer C.free(avalue)
		slots := C.malloc(C.size_t(c.n) * slotSize)
		if slots == nil {
			return 0, fmt.Errorf("ffi: out of memory")
		}
		defer C.free(slots)

		av := (*[1 << 20]unsafe.Pointer)(avalue)[:c.n:c.n]
		for i, a := range args {
			slot := unsafe.Pointer(uintptr(slots) + uintptr(i)*slotSize)
			switch a.Class {
			case ClassPointer:
				// a.Ptr is a raw device or foreign address, never a Go pointer.
				*(*unsafe.Pointer)(slot) = unsafe.Pointer(a.Ptr)
			case ClassBool:
				v := uint8(0)
				if a.B {
					v = 1
				}
				*(*uint8)(slot) = v
			case ClassInt32:
				*(*int32)(slot) = a.I32
			case ClassFloat32:
				*(*float32)(slot) = a.F32
			default:
				return 0, fmt.Errorf("ffi: unknown argument class %d", a.Class)
			}
			av[i] = slot
		}
	}

	C.kf_call(c.cif, unsafe.Pointer(fn), rvalue, (*unsafe.Pointer)(avalue))
	return int32(C.kf_read_status(rvalue)), nil
}
