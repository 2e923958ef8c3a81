package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/runtime"
)

// WindowDef declares a named window.
type WindowDef struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Retain int    `json:"retain,omitempty"`
}

// CompileWindow parses a CUE value into a WindowDef.
//
// The CUE value should be the window struct itself, e.g.:
//
//	v := ctx.CompileString(`window: Big: { type: "Order", retain: 100 }`)
//	w, err := CompileWindow(v.LookupPath(cue.ParsePath("window.Big")))
func CompileWindow(v cue.Value) (*WindowDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	w := &WindowDef{Name: labelOf(v)}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return nil, &CompileError{Field: "type", Message: "type is required", Pos: v.Pos()}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	w.Type = typeName

	if retain, ok, err := optionalInt(v, "retain"); err != nil {
		return nil, err
	} else if ok {
		w.Retain = int(retain)
	}

	return w, nil
}

// CompileStatement parses a CUE value into a runtime.StatementDef with a
// pass-through body: matched events are emitted unchanged and timers notify
// listeners.
//
// The CUE value should be the statement struct itself, e.g.:
//
//	v := ctx.CompileString(`statement: big: { from: [{type: "Order"}] }`)
//	def, err := CompileStatement(v.LookupPath(cue.ParsePath("statement.big")))
func CompileStatement(v cue.Value) (*runtime.StatementDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &runtime.StatementDef{Name: labelOf(v)}

	if priority, ok, err := optionalInt(v, "priority"); err != nil {
		return nil, err
	} else if ok {
		def.Priority = int(priority)
	}

	var err error
	if def.Preemptive, err = optionalBool(v, "preemptive"); err != nil {
		return nil, err
	}
	if def.Metrics, err = optionalBool(v, "metrics"); err != nil {
		return nil, err
	}

	if def.SelfJoin, err = parseSelfJoin(v); err != nil {
		return nil, err
	}
	if def.Streams, err = parseStreams(v); err != nil {
		return nil, err
	}
	if def.Timers, err = parseTimers(v); err != nil {
		return nil, err
	}
	if len(def.Streams) == 0 && len(def.Timers) == 0 {
		return nil, &CompileError{
			Field:   "from",
			Message: "at least one stream or timer is required",
			Pos:     v.Pos(),
		}
	}

	if def.InsertInto, err = parseInsertInto(v); err != nil {
		return nil, err
	}
	if def.IntoWindow, err = optionalString(v, "into_window"); err != nil {
		return nil, err
	}
	if def.Variables, err = optionalStrings(v, "variables"); err != nil {
		return nil, err
	}
	if def.Tables, err = optionalStrings(v, "tables"); err != nil {
		return nil, err
	}

	return def, nil
}

func parseSelfJoin(v cue.Value) (runtime.SelfJoin, error) {
	mode, err := optionalString(v, "self_join")
	if err != nil {
		return runtime.SelfJoinAuto, err
	}
	switch mode {
	case "", "auto":
		return runtime.SelfJoinAuto, nil
	case "on":
		return runtime.SelfJoinOn, nil
	case "off":
		return runtime.SelfJoinOff, nil
	}
	return runtime.SelfJoinAuto, &CompileError{
		Field:   "self_join",
		Message: fmt.Sprintf("must be auto, on or off, got %q", mode),
		Pos:     v.LookupPath(cue.ParsePath("self_join")).Pos(),
	}
}

// parseStreams reads the from list. Each entry is either
// {type: "...", where: [...]} or {window: "..."}.
func parseStreams(v cue.Value) ([]runtime.StreamDef, error) {
	fromVal := v.LookupPath(cue.ParsePath("from"))
	if !fromVal.Exists() {
		return nil, nil
	}

	iter, err := fromVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var streams []runtime.StreamDef
	for iter.Next() {
		sv := iter.Value()
		typeName, err := optionalString(sv, "type")
		if err != nil {
			return nil, err
		}
		window, err := optionalString(sv, "window")
		if err != nil {
			return nil, err
		}

		switch {
		case typeName != "" && window != "":
			return nil, &CompileError{Field: "from", Message: "stream has both type and window", Pos: sv.Pos()}
		case window != "":
			streams = append(streams, runtime.StreamDef{Window: window})
		case typeName != "":
			preds, err := parsePredicates(sv)
			if err != nil {
				return nil, err
			}
			streams = append(streams, runtime.StreamDef{Filter: &filter.Spec{TypeName: typeName, Predicates: preds}})
		default:
			return nil, &CompileError{Field: "from", Message: "stream needs a type or a window", Pos: sv.Pos()}
		}
	}
	return streams, nil
}

func parsePredicates(v cue.Value) ([]filter.Predicate, error) {
	whereVal := v.LookupPath(cue.ParsePath("where"))
	if !whereVal.Exists() {
		return nil, nil
	}

	iter, err := whereVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var preds []filter.Predicate
	for iter.Next() {
		pv := iter.Value()
		property, err := optionalString(pv, "property")
		if err != nil {
			return nil, err
		}
		op, err := optionalString(pv, "op")
		if err != nil {
			return nil, err
		}
		if property == "" || op == "" {
			return nil, &CompileError{Field: "where", Message: "predicate needs property and op", Pos: pv.Pos()}
		}

		pred := filter.Predicate{Property: property, Op: filter.Op(op)}
		if valueVal := pv.LookupPath(cue.ParsePath("value")); valueVal.Exists() {
			pred.Value, err = goValue(valueVal)
			if err != nil {
				return nil, err
			}
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

func parseTimers(v cue.Value) ([]runtime.TimerDef, error) {
	timersVal := v.LookupPath(cue.ParsePath("timers"))
	if !timersVal.Exists() {
		return nil, nil
	}

	iter, err := timersVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var timers []runtime.TimerDef
	for i := 0; iter.Next(); i++ {
		tv := iter.Value()
		var td runtime.TimerDef

		if td.Name, err = optionalString(tv, "name"); err != nil {
			return nil, err
		}
		if td.Name == "" {
			td.Name = fmt.Sprintf("timer%d", i)
		}
		if td.At, _, err = optionalInt(tv, "at"); err != nil {
			return nil, err
		}
		if td.AfterMs, _, err = optionalInt(tv, "after_ms"); err != nil {
			return nil, err
		}
		if td.EveryMs, _, err = optionalInt(tv, "every_ms"); err != nil {
			return nil, err
		}
		if td.Cron, err = optionalString(tv, "cron"); err != nil {
			return nil, err
		}
		timers = append(timers, td)
	}
	return timers, nil
}

func parseInsertInto(v cue.Value) (*runtime.InsertInto, error) {
	iv := v.LookupPath(cue.ParsePath("insert_into"))
	if !iv.Exists() {
		return nil, nil
	}

	// Shorthand: insert_into: "TypeName"
	if name, err := iv.String(); err == nil {
		return &runtime.InsertInto{TypeName: name}, nil
	}

	ii := &runtime.InsertInto{}
	var err error
	if ii.TypeName, err = optionalString(iv, "type"); err != nil {
		return nil, err
	}
	if ii.TypeName == "" {
		return nil, &CompileError{Field: "insert_into", Message: "type is required", Pos: iv.Pos()}
	}
	if ii.Back, err = optionalBool(iv, "back"); err != nil {
		return nil, err
	}
	if precedence, ok, err := optionalInt(iv, "precedence"); err != nil {
		return nil, err
	} else if ok {
		ii.Precedence = int(precedence)
	}
	return ii, nil
}

// goValue converts a concrete CUE scalar or list to a Go value.
func goValue(v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return n, nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return f, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return s, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return b, nil
	case cue.NullKind:
		return nil, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := []any{}
		for iter.Next() {
			item, err := goValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, &CompileError{
		Field:   "value",
		Message: fmt.Sprintf("unsupported value kind: %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}

func labelOf(v cue.Value) string {
	labels := v.Path().Selectors()
	if len(labels) == 0 {
		return ""
	}
	return labels[len(labels)-1].String()
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optionalInt(v cue.Value, field string) (int64, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, false, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	return n, true, nil
}

func optionalStrings(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
