package jit

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openkiln/kiln/internal/ffi"
)

// Buffer is how device memory reaches a kernel: anything that can
// surface its raw device address. Allocator types implement it; Ptr
// adapts a bare address.
type Buffer interface {
	// Ptr returns the raw device address of the underlying allocation.
	Ptr() uintptr
}

// Stream is a device-stream handle: an opaque pointer owned by the
// driver, surfaced as its raw value. StreamHandle adapts a bare handle.
type Stream interface {
	// Handle returns the raw stream handle.
	Handle() uintptr
}

// Ptr wraps a raw device address as a Buffer.
func Ptr(addr uintptr) Buffer { return rawBuffer(addr) }

type rawBuffer uintptr

func (b rawBuffer) Ptr() uintptr { return uintptr(b) }

// StreamHandle wraps a raw stream handle as a Stream.
func StreamHandle(h uintptr) Stream { return rawStream(h) }

type rawStream uintptr

func (s rawStream) Handle() uintptr { return uintptr(s) }

// Kernel is a built kernel: its artifact is verified on disk, and the
// shared object is loaded lazily on the first Call. A Runtime hands out
// one Kernel per cache key, so concurrent callers share the load and the
// prepared call frame. Kernels stay valid until their Runtime is closed.
type Kernel struct {
	name string
	key  string
	path string
	sig  Signature
	log  *logrus.Entry

	loadOnce sync.Once
	loadErr  error
	lib      *ffi.Lib
	cif      *ffi.CIF
	fn       uintptr
}

// Name returns the kernel name the build was requested under.
func (k *Kernel) Name() string { return k.name }

// Key returns the cache key identifying the artifact.
func (k *Kernel) Key() string { return k.key }

// Path returns the artifact path inside the cache.
func (k *Kernel) Path() string { return k.path }

// Signature returns the kernel's calling contract. Callers must treat
// the contained slices as read-only.
func (k *Kernel) Signature() Signature { return k.sig }

// Call marshals args per the signature, loads the artifact if this is
// the first call, invokes the entry point, and returns its int32 status
// verbatim. The runtime attaches no meaning to the status; nonzero is
// not an error here.
//
// Argument values map onto parameter kinds as follows:
//
//	buffer  Buffer (see Ptr for raw addresses)
//	bool    bool
//	float   float32 or float64 (narrowed)
//	int     int, int32, or int64 within int32 range
//	stream  Stream (see StreamHandle for raw handles)
//
// Anything else fails with InvocationArityError before any native code
// runs, so a rejected Call has no side effects.
func (k *Kernel) Call(args ...any) (int32, error) {
	frame, err := k.marshal(args)
	if err != nil {
		return 0, err
	}
	if err := k.load(); err != nil {
		return 0, err
	}
	return k.cif.Call(k.fn, frame)
}

// load resolves the artifact exactly once. Subsequent calls return the
// first outcome, success or failure.
func (k *Kernel) load() error {
	k.loadOnce.Do(func() {
		lib, err := ffi.Open(k.path)
		if err != nil {
			k.loadErr = &LoadError{Path: k.path, Reason: err.Error()}
			return
		}
		fn, err := lib.Sym(entrySymbol)
		if err != nil {
			lib.Close()
			k.loadErr = &LoadError{Path: k.path, Symbol: entrySymbol, Reason: err.Error()}
			return
		}
		if fn == 0 {
			lib.Close()
			k.loadErr = &LoadError{Path: k.path, Symbol: entrySymbol, Reason: "symbol resolved to NULL"}
			return
		}
		cif, err := ffi.NewCIF(argClasses(k.sig.Params))
		if err != nil {
			lib.Close()
			k.loadErr = &LoadError{Path: k.path, Reason: err.Error()}
			return
		}
		k.lib = lib
		k.fn = fn
		k.cif = cif
		metricKernelsLoaded.Inc()
		k.log.WithFields(logrus.Fields{"kernel": k.name, "key": k.key}).Debug("artifact loaded")
	})
	return k.loadErr
}

// close releases the loaded artifact. Called by Runtime.Close; a Kernel
// must not be Called afterwards.
func (k *Kernel) close() error {
	if k.lib == nil {
		return nil
	}
	k.cif.Free()
	err := k.lib.Close()
	k.lib = nil
	k.cif = nil
	k.fn = 0
	metricKernelsLoaded.Dec()
	return err
}

// argClasses maps signature kinds onto ffi argument classes. Validation
// has already rejected anything outside the closed set.
func argClasses(params []Param) []ffi.ArgClass {
	classes := make([]ffi.ArgClass, len(params))
	for i, p := range params {
		switch p.Kind {
		case KindBuffer, KindStream:
			classes[i] = ffi.ClassPointer
		case KindBool:
			classes[i] = ffi.ClassBool
		case KindFloat:
			classes[i] = ffi.ClassFloat32
		case KindInt:
			classes[i] = ffi.ClassInt32
		}
	}
	return classes
}

func (k *Kernel) marshal(args []any) ([]ffi.Arg, error) {
	if len(args) != len(k.sig.Params) {
		return nil, &InvocationArityError{
			Kernel: k.name,
			Index:  -1,
			Want:   fmt.Sprintf("%d arguments", len(k.sig.Params)),
			Got:    fmt.Sprintf("%d", len(args)),
		}
	}
	frame := make([]ffi.Arg, len(args))
	for i, p := range k.sig.Params {
		a, err := marshalArg(k.name, i, p, args[i])
		if err != nil {
			return nil, err
		}
		frame[i] = a
	}
	return frame, nil
}

func marshalArg(kernel string, i int, p Param, v any) (ffi.Arg, error) {
	mismatch := func(want string) (ffi.Arg, error) {
		return ffi.Arg{}, &InvocationArityError{
			Kernel: kernel,
			Index:  i,
			Want:   fmt.Sprintf("%s for parameter %q", want, p.Name),
			Got:    fmt.Sprintf("%T", v),
		}
	}
	switch p.Kind {
	case KindBuffer:
		b, ok := v.(Buffer)
		if !ok {
			return mismatch("buffer (jit.Buffer)")
		}
		return ffi.Pointer(b.Ptr()), nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch("bool")
		}
		return ffi.Bool(b), nil
	case KindFloat:
		switch f := v.(type) {
		case float32:
			return ffi.Float32(f), nil
		case float64:
			return ffi.Float32(float32(f)), nil
		}
		return mismatch("float32 or float64")
	case KindInt:
		outOfRange := func(n int64) (ffi.Arg, error) {
			return ffi.Arg{}, &InvocationArityError{
				Kernel: kernel,
				Index:  i,
				Want:   fmt.Sprintf("int32-range value for parameter %q", p.Name),
				Got:    fmt.Sprintf("%d", n),
			}
		}
		switch n := v.(type) {
		case int32:
			return ffi.Int32(n), nil
		case int:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return outOfRange(int64(n))
			}
			return ffi.Int32(int32(n)), nil
		case int64:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return outOfRange(n)
			}
			return ffi.Int32(int32(n)), nil
		}
		return mismatch("int, int32, or int64")
	case KindStream:
		s, ok := v.(Stream)
		if !ok {
			return mismatch("stream (jit.Stream)")
		}
		return ffi.Pointer(s.Handle()), nil
	}
	return mismatch("known parameter kind")
}
