//go:build linux && cgo

package jit

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHostRuntime returns a Runtime pinned to a host C++ compiler. The
// version floor is set above any real CUDA release so discovery always
// lands on the host fallback; machines without a C++ compiler skip.
func newHostRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(Config{
		CacheDir:       t.TempDir(),
		HostFallback:   true,
		MinCUDAVersion: "99.0",
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	if _, err := rt.Toolchain(); err != nil {
		t.Skipf("no host compiler available: %v", err)
	}
	return rt
}

func TestCall_ScalarArithmetic(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{
		{Name: "a", Kind: KindInt},
		{Name: "b", Kind: KindInt},
	}}
	k, err := rt.Build(context.Background(), "add", sig, "return a + b;")
	require.NoError(t, err)

	got, err := k.Call(20, 22)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	// Negative values must survive the int32 slot unmangled.
	got, err = k.Call(-5, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(-2), got)
}

func TestCall_FloatReachesNative(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "scale", Kind: KindFloat}}}
	k, err := rt.Build(context.Background(), "scale100", sig, "return (int32_t)(scale * 100.0f);")
	require.NoError(t, err)

	got, err := k.Call(1.5)
	require.NoError(t, err)
	assert.Equal(t, int32(150), got)

	got, err = k.Call(float32(0.25))
	require.NoError(t, err)
	assert.Equal(t, int32(25), got)
}

func TestCall_BoolReachesNative(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "flag", Kind: KindBool}}}
	k, err := rt.Build(context.Background(), "pick", sig, "return flag ? 7 : 9;")
	require.NoError(t, err)

	got, err := k.Call(true)
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)

	got, err = k.Call(false)
	require.NoError(t, err)
	assert.Equal(t, int32(9), got)
}

func TestCall_BufferAddressRoundTrip(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "buf", Kind: KindBuffer}}}
	k, err := rt.Build(context.Background(), "addr", sig,
		"return (int32_t)reinterpret_cast<std::intptr_t>(buf);")
	require.NoError(t, err)

	got, err := k.Call(Ptr(0x1234))
	require.NoError(t, err)
	assert.Equal(t, int32(0x1234), got)

	got, err = k.Call(Ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)
}

func TestCall_StreamHandleRoundTrip(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "s", Kind: KindStream}}}
	k, err := rt.Build(context.Background(), "has_stream", sig, "return s != nullptr ? 1 : 0;")
	require.NoError(t, err)

	got, err := k.Call(StreamHandle(0))
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)

	got, err = k.Call(StreamHandle(0xbeef))
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)
}

func TestCall_MixedFrame(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{
		{Name: "buf", Kind: KindBuffer},
		{Name: "n", Kind: KindInt},
		{Name: "scale", Kind: KindFloat},
		{Name: "flag", Kind: KindBool},
		{Name: "s", Kind: KindStream},
	}}
	body := `return (int32_t)reinterpret_cast<std::intptr_t>(buf) + n
    + (int32_t)scale
    + (flag ? 1000 : 0)
    + (s != nullptr ? 10000 : 0);`
	k, err := rt.Build(context.Background(), "mixed", sig, body)
	require.NoError(t, err)

	got, err := k.Call(Ptr(3), 30, 0.25, true, StreamHandle(1))
	require.NoError(t, err)
	assert.Equal(t, int32(11033), got)
}

func TestCall_TypedBufferCastCompiles(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "x", Kind: KindBuffer, Elem: ElemBFloat16}}}
	k, err := rt.Build(context.Background(), "bf16_probe", sig, "return x == nullptr ? 1 : 0;")
	require.NoError(t, err)

	got, err := k.Call(Ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)

	got, err = k.Call(Ptr(0xbeef))
	require.NoError(t, err)
	assert.Equal(t, int32(0), got)
}

func TestCall_StatusReturnedVerbatim(t *testing.T) {
	rt := newHostRuntime(t)
	k, err := rt.Build(context.Background(), "fails", Signature{}, "return -7;")
	require.NoError(t, err)

	got, err := k.Call()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), got)
}

func TestCall_LoadFailureIsSticky(t *testing.T) {
	rt := newHostRuntime(t)
	sig := Signature{Params: []Param{{Name: "n", Kind: KindInt}}}
	k, err := rt.Build(context.Background(), "gone", sig, "return n;")
	require.NoError(t, err)

	// Remove the artifact before the first Call so the lazy load fails.
	require.NoError(t, os.Remove(k.Path()))

	_, err = k.Call(1)
	require.Error(t, err)
	assert.True(t, IsLoadError(err))

	// The first load outcome is pinned.
	_, err2 := k.Call(1)
	require.Error(t, err2)
	assert.Equal(t, err.Error(), err2.Error())
}

func TestCall_HitAcrossRuntimes(t *testing.T) {
	cacheDir := t.TempDir()
	cfg := Config{
		CacheDir:       cacheDir,
		HostFallback:   true,
		MinCUDAVersion: "99.0",
		Logger:         testLogger(),
	}
	sig := Signature{Params: []Param{{Name: "n", Kind: KindInt}}}

	rt1, err := New(cfg)
	require.NoError(t, err)
	if _, err := rt1.Toolchain(); err != nil {
		rt1.Close()
		t.Skipf("no host compiler available: %v", err)
	}
	k1, err := rt1.Build(context.Background(), "twice", sig, "return n * 2;")
	require.NoError(t, err)
	got, err := k1.Call(21)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
	require.NoError(t, rt1.Close())

	// A fresh runtime over the same cache serves the artifact without
	// recompiling, and the loaded kernel calls the same.
	rt2, err := New(cfg)
	require.NoError(t, err)
	defer rt2.Close()
	k2, err := rt2.Build(context.Background(), "twice", sig, "return n * 2;")
	require.NoError(t, err)
	assert.Equal(t, k1.Key(), k2.Key())
	got, err = k2.Call(-8)
	require.NoError(t, err)
	assert.Equal(t, int32(-16), got)
}
