// Package manifest loads kernel manifests: CUE files declaring kernels
// to pre-build so a service pays its compile cost at deploy time instead
// of first request. The manifest carries everything a build needs, which
// is exactly a name, a signature, and a body.
//
// A manifest looks like:
//
//	kernel: scale_rows: {
//	    params: [
//	        {name: "src", kind: "buffer", elem: "f32"},
//	        {name: "n", kind: "int"},
//	        {name: "stream", kind: "stream"},
//	    ]
//	    consts: [{name: "BLOCK", value: "256"}]
//	    includes: ["<cmath>"]
//	    body: """
//	        scale_rows_impl<BLOCK><<<grid, BLOCK, 0, stream>>>(src, n);
//	        """
//	}
package manifest

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/openkiln/kiln/jit"
)

// Kernel is one manifest entry, ready to hand to a runtime.
type Kernel struct {
	Name      string
	Signature jit.Signature
	Body      string
}

// ParseError is a manifest rejection with source position.
type ParseError struct {
	Kernel  string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ParseError) Error() string {
	where := e.Field
	if e.Kernel != "" {
		where = "kernel " + e.Kernel
		if e.Field != "" {
			where += ": " + e.Field
		}
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Load reads and validates a manifest file. Kernels come back sorted by
// name, so warm-up order is stable across runs.
func Load(path string) ([]Kernel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(path, data)
}

// Parse validates manifest bytes. The filename only labels positions in
// error messages.
func Parse(filename string, data []byte) ([]Kernel, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("kernel"))
	if !root.Exists() {
		return nil, &ParseError{
			Field:   "kernel",
			Message: "manifest has no kernel block",
			Pos:     v.Pos(),
		}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var kernels []Kernel
	for iter.Next() {
		k, err := parseKernel(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	if len(kernels) == 0 {
		return nil, &ParseError{
			Field:   "kernel",
			Message: "manifest declares no kernels",
			Pos:     root.Pos(),
		}
	}

	sort.Slice(kernels, func(i, j int) bool { return kernels[i].Name < kernels[j].Name })
	return kernels, nil
}

func parseKernel(name string, v cue.Value) (Kernel, error) {
	k := Kernel{Name: name}

	bodyVal := v.LookupPath(cue.ParsePath("body"))
	if !bodyVal.Exists() {
		return k, &ParseError{Kernel: name, Field: "body", Message: "body is required", Pos: v.Pos()}
	}
	body, err := bodyVal.String()
	if err != nil {
		return k, formatCUEError(err)
	}
	k.Body = body

	paramsVal := v.LookupPath(cue.ParsePath("params"))
	if paramsVal.Exists() {
		k.Signature.Params, err = parseParams(name, paramsVal)
		if err != nil {
			return k, err
		}
	}

	constsVal := v.LookupPath(cue.ParsePath("consts"))
	if constsVal.Exists() {
		k.Signature.Consts, err = parseConsts(name, constsVal)
		if err != nil {
			return k, err
		}
	}

	incVal := v.LookupPath(cue.ParsePath("includes"))
	if incVal.Exists() {
		k.Signature.Includes, err = parseStrings(name, "includes", incVal)
		if err != nil {
			return k, err
		}
	}

	if err := k.Signature.Validate(); err != nil {
		return k, &ParseError{Kernel: name, Field: "params", Message: err.Error(), Pos: v.Pos()}
	}
	return k, nil
}

func parseParams(kernel string, v cue.Value) ([]jit.Param, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var params []jit.Param
	for i := 0; iter.Next(); i++ {
		pv := iter.Value()
		field := fmt.Sprintf("params[%d]", i)

		name, err := requiredString(pv, "name")
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: pv.Pos()}
		}
		kindStr, err := requiredString(pv, "kind")
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: pv.Pos()}
		}
		kind, err := jit.ParseKind(kindStr)
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: pv.Pos()}
		}

		p := jit.Param{Name: name, Kind: kind}
		elemVal := pv.LookupPath(cue.ParsePath("elem"))
		if elemVal.Exists() {
			elemStr, err := elemVal.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			p.Elem, err = jit.ParseElem(elemStr)
			if err != nil {
				return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: elemVal.Pos()}
			}
		}
		params = append(params, p)
	}
	return params, nil
}

func parseConsts(kernel string, v cue.Value) ([]jit.Const, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var consts []jit.Const
	for i := 0; iter.Next(); i++ {
		cv := iter.Value()
		field := fmt.Sprintf("consts[%d]", i)

		name, err := requiredString(cv, "name")
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: cv.Pos()}
		}
		valueVal := cv.LookupPath(cue.ParsePath("value"))
		if !valueVal.Exists() {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: "value is required", Pos: cv.Pos()}
		}
		value, err := constValue(valueVal)
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: err.Error(), Pos: valueVal.Pos()}
		}
		consts = append(consts, jit.Const{Name: name, Value: value})
	}
	return consts, nil
}

// constValue renders a constant as the text baked into generated source.
// Strings pass through verbatim; integers keep their exact decimal form.
func constValue(v cue.Value) (string, error) {
	switch v.Kind() {
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%t", b), nil
	default:
		return "", fmt.Errorf("value must be a string, integer, or bool, got %v", v.Kind())
	}
}

func parseStrings(kernel, field string, v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &ParseError{Kernel: kernel, Field: field, Message: "entries must be strings", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", fmt.Errorf("%s is required", field)
	}
	s, err := fv.String()
	if err != nil {
		return "", fmt.Errorf("%s must be a string", field)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &ParseError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
