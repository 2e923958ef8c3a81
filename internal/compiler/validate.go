package compiler

import (
	"fmt"

	"github.com/adhocore/gronx"
)

// Validation error codes (E100-E199)
const (
	// Statement errors (E101-E109)
	ErrStatementNoSources = "E101" // no streams and no timers
	ErrDuplicateName      = "E102" // duplicate timer or property name
	ErrUnknownWindow      = "E103" // stream or into_window names an undeclared window
	ErrInvalidPredicate   = "E104" // bad operator or operand
	ErrInvalidTimer       = "E105" // not exactly one of at/after_ms/every_ms/cron
	ErrEmptyInsertType    = "E106" // insert_into without a type
	ErrUnknownType        = "E107" // event type not declared
	ErrUnknownVariable    = "E108" // statement references an undeclared variable

	// Window errors (E110-E119)
	ErrInvalidRetain = "E110" // negative retain
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled module for reference and shape errors.
// Returns all errors found (does not fail-fast).
//
// knownTypes names event types registered outside the module; types declared
// in the module itself are always known.
func Validate(m *Module, knownTypes ...string) []ValidationError {
	var errs []ValidationError

	types := make(map[string]bool, len(knownTypes)+len(m.Types))
	for _, name := range knownTypes {
		types[name] = true
	}
	for i, td := range m.Types {
		types[td.Name] = true
		seen := make(map[string]bool, len(td.Properties))
		for _, p := range td.Properties {
			if seen[p] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("types[%d].properties", i),
					Message: fmt.Sprintf("duplicate property %q in type %s", p, td.Name),
					Code:    ErrDuplicateName,
				})
			}
			seen[p] = true
		}
	}
	// insert_into registers its type on deploy.
	for _, def := range m.Statements {
		if def.InsertInto != nil && def.InsertInto.TypeName != "" {
			types[def.InsertInto.TypeName] = true
		}
	}

	windows := make(map[string]bool, len(m.Windows))
	for _, w := range m.Windows {
		windows[w.Name] = true
		if !types[w.Type] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("window.%s.type", w.Name),
				Message: fmt.Sprintf("unknown event type %q", w.Type),
				Code:    ErrUnknownType,
			})
		}
		if w.Retain < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("window.%s.retain", w.Name),
				Message: fmt.Sprintf("retain must not be negative, got %d", w.Retain),
				Code:    ErrInvalidRetain,
			})
		}
	}

	for _, def := range m.Statements {
		prefix := "statement." + def.Name

		if len(def.Streams) == 0 && len(def.Timers) == 0 {
			errs = append(errs, ValidationError{
				Field:   prefix,
				Message: "at least one stream or timer is required",
				Code:    ErrStatementNoSources,
			})
		}

		for i, s := range def.Streams {
			field := fmt.Sprintf("%s.from[%d]", prefix, i)
			switch {
			case s.Window != "":
				if !windows[s.Window] {
					errs = append(errs, ValidationError{
						Field:   field,
						Message: fmt.Sprintf("unknown window %q", s.Window),
						Code:    ErrUnknownWindow,
					})
				}
			case s.Filter != nil:
				if !types[s.Filter.TypeName] {
					errs = append(errs, ValidationError{
						Field:   field + ".type",
						Message: fmt.Sprintf("unknown event type %q", s.Filter.TypeName),
						Code:    ErrUnknownType,
					})
				}
				if err := s.Filter.Validate(); err != nil {
					errs = append(errs, ValidationError{
						Field:   field + ".where",
						Message: err.Error(),
						Code:    ErrInvalidPredicate,
					})
				}
			}
		}

		timerNames := make(map[string]bool, len(def.Timers))
		for i, td := range def.Timers {
			field := fmt.Sprintf("%s.timers[%d]", prefix, i)
			if timerNames[td.Name] {
				errs = append(errs, ValidationError{
					Field:   field + ".name",
					Message: fmt.Sprintf("duplicate timer name %q", td.Name),
					Code:    ErrDuplicateName,
				})
			}
			timerNames[td.Name] = true
			errs = append(errs, validateTimer(field, td.At, td.AfterMs, td.EveryMs, td.Cron)...)
		}

		if def.InsertInto != nil && def.InsertInto.TypeName == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".insert_into.type",
				Message: "insert_into requires a type",
				Code:    ErrEmptyInsertType,
			})
		}
		if def.IntoWindow != "" && !windows[def.IntoWindow] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".into_window",
				Message: fmt.Sprintf("unknown window %q", def.IntoWindow),
				Code:    ErrUnknownWindow,
			})
		}
		for _, name := range def.Variables {
			if _, ok := m.Variables[name]; !ok {
				errs = append(errs, ValidationError{
					Field:   prefix + ".variables",
					Message: fmt.Sprintf("undeclared variable %q", name),
					Code:    ErrUnknownVariable,
				})
			}
		}
	}

	return errs
}

func validateTimer(field string, at, afterMs, everyMs int64, cron string) []ValidationError {
	if at < 0 || afterMs < 0 || everyMs < 0 {
		return []ValidationError{{
			Field:   field,
			Message: "timer times and offsets must be positive",
			Code:    ErrInvalidTimer,
		}}
	}
	set := 0
	for _, on := range []bool{at > 0, afterMs > 0, everyMs > 0, cron != ""} {
		if on {
			set++
		}
	}
	if set != 1 {
		return []ValidationError{{
			Field:   field,
			Message: "exactly one of at, after_ms, every_ms or cron is required",
			Code:    ErrInvalidTimer,
		}}
	}
	if cron != "" && !gronx.New().IsValid(cron) {
		return []ValidationError{{
			Field:   field + ".cron",
			Message: fmt.Sprintf("invalid cron expression %q", cron),
			Code:    ErrInvalidTimer,
		}}
	}
	return nil
}
