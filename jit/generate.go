package jit

import (
	"fmt"
	"sort"
	"strings"
)

// preloadedIncludes are headers the fixed preamble already provides.
// Extra includes naming one of these are dropped during rendering.
var preloadedIncludes = map[string]bool{
	"<cuda.h>":         true,
	"<cuda_bf16.h>":    true,
	"<cuda_fp8.h>":     true,
	"<cuda_runtime.h>": true,
	"<cstdint>":        true,
}

// sourcePreamble opens every generated file. The CUDA headers and the
// real stream type are visible only to nvcc; a host compiler sees void*
// streams and forward declarations good enough for pointer casts, so the
// same file compiles under both toolchains.
const sourcePreamble = `// Generated by kiln. Do not edit.

#if defined(__CUDACC__)
#include <cuda.h>
#include <cuda_bf16.h>
#include <cuda_fp8.h>
#include <cuda_runtime.h>
using kiln_stream_t = cudaStream_t;
#else
using kiln_stream_t = void*;
struct __nv_bfloat16;
struct __nv_fp8_e4m3;
#endif

#include <cstdint>
`

// entrySymbol is the exported name every artifact defines. The loader
// resolves exactly this symbol.
const entrySymbol = "launch"

// rawPrefix prefixes the formal name of parameters that arrive as void*
// and are re-cast before the body runs.
const rawPrefix = "__raw_"

// Generate renders complete C++ source for a kernel: the fixed preamble,
// the signature's extra includes, its constants, and an extern "C" entry
// function named launch wrapping body.
//
// The entry function takes one parameter per signature entry, in order.
// Buffers and streams arrive as void*; typed buffers and streams are
// re-cast to their declared types before the body, so the body refers to
// every parameter by its signature name. The function returns int32_t
// and falls through to return 0 when the body does not return.
//
// Rendering is deterministic: equal inputs produce byte-identical source.
// Extra includes are grouped system-first and sorted within each group;
// everything else keeps declaration order.
func Generate(sig Signature, body string) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(sourcePreamble)

	if incs := renderIncludes(sig.Includes); len(incs) > 0 {
		b.WriteByte('\n')
		for _, inc := range incs {
			b.WriteString("#include ")
			b.WriteString(inc)
			b.WriteByte('\n')
		}
	}

	if len(sig.Consts) > 0 {
		b.WriteByte('\n')
		for _, c := range sig.Consts {
			fmt.Fprintf(&b, "static constexpr auto %s = %s;\n", c.Name, c.Value)
		}
	}

	b.WriteByte('\n')
	fmt.Fprintf(&b, "extern \"C\" int32_t %s(%s) {\n", entrySymbol, formalList(sig.Params))

	casts := castLines(sig.Params)
	for _, line := range casts {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	trimmed := strings.TrimSpace(body)
	if trimmed != "" {
		if len(casts) > 0 {
			b.WriteByte('\n')
		}
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimRight(line, " \t\r")
			if line == "" {
				b.WriteByte('\n')
				continue
			}
			b.WriteString("    ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	b.WriteString("    return 0;\n}\n")
	return b.String(), nil
}

// renderIncludes dedupes, drops preloaded headers, and orders the rest:
// system includes sorted, then quoted includes sorted.
func renderIncludes(includes []string) []string {
	var system, quoted []string
	seen := make(map[string]bool, len(includes))
	for _, inc := range includes {
		if preloadedIncludes[inc] || seen[inc] {
			continue
		}
		seen[inc] = true
		if inc[0] == '<' {
			system = append(system, inc)
		} else {
			quoted = append(quoted, inc)
		}
	}
	sort.Strings(system)
	sort.Strings(quoted)
	return append(system, quoted...)
}

// formalList renders the entry function's parameter list.
func formalList(params []Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		switch p.Kind {
		case KindBuffer:
			if p.Elem == ElemOpaque {
				parts[i] = "void* " + p.Name
			} else {
				parts[i] = "void* " + rawPrefix + p.Name
			}
		case KindBool:
			parts[i] = "bool " + p.Name
		case KindFloat:
			parts[i] = "float " + p.Name
		case KindInt:
			parts[i] = "int " + p.Name
		case KindStream:
			parts[i] = "void* " + rawPrefix + p.Name
		}
	}
	return strings.Join(parts, ", ")
}

// castLines renders the re-cast statements for typed buffers and streams,
// in declaration order.
func castLines(params []Param) []string {
	var lines []string
	for _, p := range params {
		switch {
		case p.Kind == KindBuffer && p.Elem != ElemOpaque:
			lines = append(lines, fmt.Sprintf("    auto %s = reinterpret_cast<%s*>(%s%s);", p.Name, cxxTypes[p.Elem], rawPrefix, p.Name))
		case p.Kind == KindStream:
			lines = append(lines, fmt.Sprintf("    auto %s = reinterpret_cast<kiln_stream_t>(%s%s);", p.Name, rawPrefix, p.Name))
		}
	}
	return lines
}
