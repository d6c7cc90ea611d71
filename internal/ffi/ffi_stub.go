//go:build !linux || !cgo

package ffi

// Stubs for builds without cgo or off linux. Open and NewCIF fail with
// ErrUnavailable; the rest are inert so callers can unwind uniformly.

// Lib is an open shared object. This build cannot open one.
type Lib struct{}

// Open always fails with ErrUnavailable on this build.
func Open(path string) (*Lib, error) {
	return nil, ErrUnavailable
}

// Sym always fails with ErrUnavailable on this build.
func (l *Lib) Sym(name string) (uintptr, error) {
	return 0, ErrUnavailable
}

// Close is a no-op on this build.
func (l *Lib) Close() error {
	return nil
}

// CIF is a prepared call interface. This build cannot prepare one.
type CIF struct{}

// NewCIF always fails with ErrUnavailable on this build.
func NewCIF(classes []ArgClass) (*CIF, error) {
	return nil, ErrUnavailable
}

// Free is a no-op on this build.
func (c *CIF) Free() {}

// Call always fails with ErrUnavailable on this build.
func (c *CIF) Call(fn uintptr, args []Arg) (int32, error) {
	return 0, ErrUnavailable
}
