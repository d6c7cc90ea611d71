package jit

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a kernel parameter. The set is closed: marshalling
// switches over it exhaustively and anything outside it is rejected when
// the signature is validated, never at call time.
type Kind uint8

const (
	// KindInvalid is the zero value. Signatures containing it fail
	// validation.
	KindInvalid Kind = iota

	// KindBuffer is an opaque device address, passed as a pointer.
	KindBuffer

	// KindBool is a boolean flag, passed as a one-byte integer.
	KindBool

	// KindFloat is a 32-bit floating scalar.
	KindFloat

	// KindInt is a 32-bit integer scalar.
	KindInt

	// KindStream is a device-stream handle, passed as a pointer.
	KindStream
)

var kindNames = map[Kind]string{
	KindBuffer: "buffer",
	KindBool:   "bool",
	KindFloat:  "float",
	KindInt:    "int",
	KindStream: "stream",
}

// String returns the canonical lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a canonical kind name back to its Kind. It accepts
// exactly the strings produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if s == name {
			return k, nil
		}
	}
	return KindInvalid, &ArgumentTypeError{Detail: fmt.Sprintf("unknown parameter kind %q", s)}
}

// Elem names the element type a buffer parameter points at. It affects
// only the generated source, where the opaque address is cast to a typed
// pointer before the kernel body runs; the calling convention always
// passes a plain pointer.
type Elem uint8

const (
	// ElemOpaque leaves the buffer as void*.
	ElemOpaque Elem = iota

	// ElemFloat32 casts to float*.
	ElemFloat32

	// ElemInt32 casts to int*.
	ElemInt32

	// ElemBFloat16 casts to __nv_bfloat16*.
	ElemBFloat16

	// ElemFloat8E4M3 casts to __nv_fp8_e4m3*.
	ElemFloat8E4M3
)

var elemNames = map[Elem]string{
	ElemOpaque:     "opaque",
	ElemFloat32:    "f32",
	ElemInt32:      "i32",
	ElemBFloat16:   "bf16",
	ElemFloat8E4M3: "f8e4m3",
}

// cxxTypes maps each element type to the C++ pointee it casts to.
// ElemOpaque is absent: opaque buffers stay void* and get no cast line.
var cxxTypes = map[Elem]string{
	ElemFloat32:    "float",
	ElemInt32:      "int",
	ElemBFloat16:   "__nv_bfloat16",
	ElemFloat8E4M3: "__nv_fp8_e4m3",
}

// String returns the canonical name of the element type.
func (e Elem) String() string {
	if s, ok := elemNames[e]; ok {
		return s
	}
	return fmt.Sprintf("elem(%d)", uint8(e))
}

// ParseElem maps a canonical element type name back to its Elem.
func ParseElem(s string) (Elem, error) {
	for e, name := range elemNames {
		if s == name {
			return e, nil
		}
	}
	return ElemOpaque, &ArgumentTypeError{Detail: fmt.Sprintf("unknown element type %q", s)}
}

// Param is one kernel parameter: a name valid as a C identifier, a kind,
// and, for buffers, the element type the generated wrapper casts to.
type Param struct {
	Name string
	Kind Kind

	// Elem is meaningful only when Kind is KindBuffer. Validation
	// rejects a non-opaque Elem on any other kind.
	Elem Elem
}

// Const is a compile-time constant baked into the generated source as a
// constexpr definition. Value is emitted verbatim.
type Const struct {
	Name  string
	Value string
}

// Signature is a kernel's complete calling contract: the ordered
// parameter list, compile-time constants, and extra includes the body
// needs. The order of Params is the order of the native parameters.
//
// A Signature is a plain value. Validate checks it once; Generate,
// Runtime.Build and Kernel.Call all require a valid signature and treat
// validation failures as ArgumentTypeError.
type Signature struct {
	Params   []Param
	Consts   []Const
	Includes []string
}

// identRx matches names usable as C identifiers.
var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that the signature can be rendered and marshalled:
// every name is a C identifier, names are unique across params and
// consts, every kind is in the closed set, element types appear only on
// buffers, and includes are well formed. Returns an ArgumentTypeError
// describing the first violation.
func (s Signature) Validate() error {
	seen := make(map[string]bool, len(s.Params)+len(s.Consts))
	for _, p := range s.Params {
		if !identRx.MatchString(p.Name) {
			return &ArgumentTypeError{Param: p.Name, Detail: "name is not a valid C identifier"}
		}
		if seen[p.Name] {
			return &ArgumentTypeError{Param: p.Name, Detail: "duplicate name"}
		}
		seen[p.Name] = true

		switch p.Kind {
		case KindBuffer, KindBool, KindFloat, KindInt, KindStream:
		default:
			return &ArgumentTypeError{Param: p.Name, Detail: fmt.Sprintf("unknown parameter kind %d", p.Kind)}
		}
		if _, ok := elemNames[p.Elem]; !ok {
			return &ArgumentTypeError{Param: p.Name, Detail: fmt.Sprintf("unknown element type %d", p.Elem)}
		}
		if p.Kind != KindBuffer && p.Elem != ElemOpaque {
			return &ArgumentTypeError{Param: p.Name, Detail: fmt.Sprintf("element type %s on non-buffer parameter", p.Elem)}
		}
	}

	for _, c := range s.Consts {
		if !identRx.MatchString(c.Name) {
			return &ArgumentTypeError{Param: c.Name, Detail: "constant name is not a valid C identifier"}
		}
		if seen[c.Name] {
			return &ArgumentTypeError{Param: c.Name, Detail: "duplicate name"}
		}
		seen[c.Name] = true
		if strings.TrimSpace(c.Value) == "" {
			return &ArgumentTypeError{Param: c.Name, Detail: "constant value is empty"}
		}
		if strings.ContainsAny(c.Value, "\n\r") {
			return &ArgumentTypeError{Param: c.Name, Detail: "constant value contains a newline"}
		}
	}

	for _, inc := range s.Includes {
		if !validInclude(inc) {
			return &ArgumentTypeError{Detail: fmt.Sprintf("malformed include %q (want <header> or \"header\")", inc)}
		}
	}

	return nil
}

// validInclude accepts the two C++ include spellings, fully delimited.
func validInclude(inc string) bool {
	if len(inc) < 3 {
		return false
	}
	switch {
	case inc[0] == '<' && inc[len(inc)-1] == '>':
	case inc[0] == '"' && inc[len(inc)-1] == '"':
	default:
		return false
	}
	return !strings.ContainsAny(inc[1:len(inc)-1], "<>\"\n\r")
}

// String renders the signature in a stable one-line form, e.g.
//
//	(lhs buffer[f8e4m3], n int, stream stream)
//
// The rendering covers everything that affects the calling convention
// and the generated parameter list, so two signatures with equal strings
// marshal identically. It is recorded in the cache sidecar and checked
// again when an artifact is loaded.
func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		b.WriteByte(' ')
		b.WriteString(p.Kind.String())
		if p.Kind == KindBuffer && p.Elem != ElemOpaque {
			b.WriteByte('[')
			b.WriteString(p.Elem.String())
			b.WriteByte(']')
		}
	}
	b.WriteByte(')')
	return b.String()
}
