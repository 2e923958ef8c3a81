package filter

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/roach88/cepcore/internal/event"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq     Op = "="
	OpNeq    Op = "!="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpIn     Op = "in"
	OpExists Op = "exists"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true,
	OpGt: true, OpGte: true, OpIn: true, OpExists: true,
}

// Predicate compares one event property against a constant.
type Predicate struct {
	Property string
	Op       Op
	Value    any
}

// Spec selects events of one type whose properties satisfy every predicate.
type Spec struct {
	TypeName   string
	Predicates []Predicate
}

// Validate checks operators and operand shapes.
func (s Spec) Validate() error {
	if s.TypeName == "" {
		return fmt.Errorf("filter has no event type")
	}
	for i, p := range s.Predicates {
		if p.Property == "" {
			return fmt.Errorf("filter %s: predicate %d has no property", s.TypeName, i)
		}
		if !validOps[p.Op] {
			return fmt.Errorf("filter %s: predicate %d: unknown operator %q", s.TypeName, i, p.Op)
		}
		if p.Op == OpIn {
			if _, ok := p.Value.([]any); !ok {
				return fmt.Errorf("filter %s: predicate %d: %q needs a list operand", s.TypeName, i, p.Op)
			}
		}
	}
	return nil
}

// Matches reports whether ev satisfies the spec.
//
// The match is determined by:
// 1. Event type: ev.Type().Name must equal TypeName
// 2. Predicates: every predicate must hold; a missing property fails all
// operators except exists
func (s Spec) Matches(ev event.Event) bool {
	if ev.Type().Name != s.TypeName {
		return false
	}
	for _, p := range s.Predicates {
		if !p.holds(ev) {
			return false
		}
	}
	return true
}

func (p Predicate) holds(ev event.Event) bool {
	v, ok := ev.Get(p.Property)
	if p.Op == OpExists {
		want := true
		if b, isBool := p.Value.(bool); isBool {
			want = b
		}
		return ok == want
	}
	if !ok {
		return false
	}

	switch p.Op {
	case OpEq:
		return equal(v, p.Value)
	case OpNeq:
		return !equal(v, p.Value)
	case OpIn:
		for _, candidate := range p.Value.([]any) {
			if equal(v, candidate) {
				return true
			}
		}
		return false
	}

	c, ok := compare(v, p.Value)
	if !ok {
		return false
	}
	switch p.Op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two operands. Numbers compare numerically, including
// numeric strings against numbers; strings compare lexically.
func compare(a, b any) (int, bool) {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	if aStr && bNum {
		if f, err := strconv.ParseFloat(as, 64); err == nil {
			return compare(f, bf)
		}
	}
	if aNum && bStr {
		if f, err := strconv.ParseFloat(bs, 64); err == nil {
			return compare(af, f)
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
