// Package module implements both sides of the module document protocol:
// the request driver modules run behind, and the response classification
// the worker applies to module output.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// APIVersion is the only module API version spoken.
const APIVersion = "1.0"

// Document tags.
const (
	TagRequest          = "request"
	TagResponse         = "response"
	TagFunctionCall     = "function_call"
	TagFunctionResponse = "function_response"
	TagAPIError         = "API_error"
	TagInternalError    = "internal_error"
)

// Error codes reported in error_code.
const (
	CodeGeneric     = -1
	CodeInvalidArgs = 1
	CodeExecFailed  = 2
)

const listAPIsFunc = "APIs"

// Failure is a function-level failure. It is reported inside the function
// response with success=false.
type Failure struct {
	Code        int
	Description string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (code %d)", f.Description, f.Code)
}

// Failf creates a Failure.
func Failf(code int, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Func implements one module function.
type Func func(ctx context.Context, args Args) ([]Var, error)

// Module dispatches request documents to functions.
type Module struct {
	name  string
	funcs map[string]Func
}

// New creates a module from its function table.
func New(name string, funcs map[string]Func) *Module {
	m := &Module{name: name, funcs: make(map[string]Func, len(funcs)+1)}
	for k, f := range funcs {
		m.funcs[k] = f
	}
	m.funcs[listAPIsFunc] = func(context.Context, Args) ([]Var, error) {
		return []Var{StringList(listAPIsFunc, []string{APIVersion})}, nil
	}
	return m
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Functions returns the sorted function names.
func (m *Module) Functions() []string {
	names := make([]string, 0, len(m.funcs))
	for n := range m.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Process handles one request document and returns the response document.
// Malformed requests produce an API_error element; a panicking function
// produces internal_error.
func (m *Module) Process(ctx context.Context, req *xmldoc.Element) (resp *xmldoc.Element) {
	defer func() {
		if r := recover(); r != nil {
			resp = xmldoc.New(TagInternalError)
		}
	}()

	call, fn, problem := m.resolve(req)
	if problem != "" {
		apiErr := xmldoc.New(TagAPIError, "description", problem)
		apiErr.Append(StringList(listAPIsFunc, []string{APIVersion}).Element())
		return apiErr
	}

	args := Args{}
	for _, c := range call.Children {
		if v, err := ParseVar(c); err == nil {
			args[v.Name] = v
		}
	}

	fresp := xmldoc.New(TagFunctionResponse, "function_name", call.Attr("name"))
	out, err := fn(ctx, args)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Code: CodeGeneric, Description: err.Error()}
		}
		fresp.Append(
			Bool("success", false).Element(),
			Int("error_code", int64(f.Code)).Element(),
			String("error_description", f.Description).Element(),
		)
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		for _, v := range out {
			fresp.Append(v.Element())
		}
		fresp.Append(Bool("success", true).Element())
	}

	return xmldoc.New(TagResponse,
		"API_version", APIVersion,
		"sequence", req.Attr("sequence"),
	).Append(fresp)
}

// resolve finds the function a request calls. A non-empty string describes
// why the request is malformed.
func (m *Module) resolve(req *xmldoc.Element) (*xmldoc.Element, Func, string) {
	if req.Tag != TagRequest {
		return nil, nil, "missing request tag"
	}
	if req.Attr("API_version") != APIVersion {
		return nil, nil, "unsupported API version"
	}
	if len(req.Children) != 1 || req.Children[0].Tag != TagFunctionCall {
		return nil, nil, "missing " + TagFunctionCall
	}
	call := req.Children[0]
	name := call.Attr("name")
	if name == "" {
		return nil, nil, "missing function name"
	}
	fn, ok := m.funcs[name]
	if !ok {
		return nil, nil, fmt.Sprintf("function '%s' not in API '%s'", name, APIVersion)
	}
	return call, fn, ""
}

// NewRequest builds a request document calling function with vars.
func NewRequest(sequence, function string, vars ...Var) *xmldoc.Element {
	call := xmldoc.New(TagFunctionCall, "name", function)
	for _, v := range vars {
		call.Append(v.Element())
	}
	return xmldoc.New(TagRequest, "API_version", APIVersion, "sequence", sequence).Append(call)
}
