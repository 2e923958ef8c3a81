package compiler

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/runtime"
)

// TypeDef declares an event type.
type TypeDef struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Properties []string `json:"properties,omitempty"`
}

// Module is the compiled contents of one or more CUE sources.
type Module struct {
	Types      []TypeDef              `json:"types,omitempty"`
	Variables  map[string]any         `json:"variables,omitempty"`
	Windows    []WindowDef            `json:"windows,omitempty"`
	Statements []runtime.StatementDef `json:"-"`
}

// Source is one named CUE input.
type Source struct {
	Name string
	Text string
}

// CompileString compiles CUE source text. Top-level fields are type, variable,
// window and statement; each is a struct keyed by name.
func CompileString(src, filename string) (*Module, error) {
	return Compile(Source{Name: filename, Text: src})
}

// CompileFiles reads and compiles CUE files as one module.
func CompileFiles(paths ...string) (*Module, error) {
	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sources = append(sources, Source{Name: path, Text: string(data)})
	}
	return Compile(sources...)
}

// Compile unifies every source into one value and compiles it. Sections
// with the same name across sources merge; conflicting fields fail with the
// CUE position of the conflict.
func Compile(sources ...Source) (*Module, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString("{}")
	for _, src := range sources {
		sv := ctx.CompileString(src.Text, cue.Filename(src.Name))
		if err := sv.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		v = v.Unify(sv)
	}
	if err := v.Validate(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileValue(v)
}

// CompileValue compiles an already-built CUE value.
func CompileValue(v cue.Value) (*Module, error) {
	m := &Module{}

	if err := eachField(v, "type", func(fv cue.Value) error {
		td, err := compileType(fv)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, *td)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "variable", func(fv cue.Value) error {
		val, err := goValue(fv)
		if err != nil {
			return err
		}
		if m.Variables == nil {
			m.Variables = make(map[string]any)
		}
		m.Variables[labelOf(fv)] = val
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "window", func(fv cue.Value) error {
		w, err := CompileWindow(fv)
		if err != nil {
			return err
		}
		m.Windows = append(m.Windows, *w)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "statement", func(fv cue.Value) error {
		def, err := CompileStatement(fv)
		if err != nil {
			return err
		}
		m.Statements = append(m.Statements, *def)
		return nil
	}); err != nil {
		return nil, err
	}

	// Deploy order follows priority then name so output is stable across
	// CUE field ordering.
	sort.SliceStable(m.Statements, func(i, j int) bool {
		a, b := m.Statements[i], m.Statements[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Name < b.Name
	})

	return m, nil
}

func compileType(v cue.Value) (*TypeDef, error) {
	td := &TypeDef{Name: labelOf(v), Kind: "map"}
	kind, err := optionalString(v, "kind")
	if err != nil {
		return nil, err
	}
	if kind != "" {
		td.Kind = kind
	}
	if _, err := event.ParseKind(td.Kind); err != nil {
		return nil, &CompileError{Field: "kind", Message: err.Error(), Pos: v.Pos()}
	}
	if td.Properties, err = optionalStrings(v, "properties"); err != nil {
		return nil, err
	}
	return td, nil
}

func eachField(v cue.Value, section string, fn func(cue.Value) error) error {
	sv := v.LookupPath(cue.ParsePath(section))
	if !sv.Exists() {
		return nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// Deploy registers types, declares variables, creates windows and deploys
// statements into rt, in that order. The first failure stops deployment and
// is returned with the offending name.
func (m *Module) Deploy(rt *runtime.Runtime) error {
	for _, td := range m.Types {
		kind, err := event.ParseKind(td.Kind)
		if err != nil {
			return fmt.Errorf("type %s: %w", td.Name, err)
		}
		if _, err := rt.Types().Register(event.Type{Name: td.Name, Kind: kind, Properties: td.Properties}); err != nil {
			return fmt.Errorf("type %s: %w", td.Name, err)
		}
	}

	names := make([]string, 0, len(m.Variables))
	for name := range m.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rt.Variables().Declare(name, m.Variables[name]); err != nil {
			return fmt.Errorf("variable %s: %w", name, err)
		}
	}

	for _, w := range m.Windows {
		if _, err := rt.CreateWindow(w.Name, w.Type, w.Retain); err != nil {
			return fmt.Errorf("window %s: %w", w.Name, err)
		}
	}

	for _, def := range m.Statements {
		if _, err := rt.Deploy(def); err != nil {
			return fmt.Errorf("statement %s: %w", def.Name, err)
		}
	}
	return nil
}
