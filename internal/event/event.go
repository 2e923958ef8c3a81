package event

import (
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"
)

// Kind is the closed set of payload representations.
type Kind int

const (
	// KindBean is a Go value (struct or pointer to struct).
	KindBean Kind = iota + 1
	// KindMap is a map[string]any payload.
	KindMap
	// KindObjectArray is a []any payload with positional properties.
	KindObjectArray
	// KindXML is an XML document payload.
	KindXML
	// KindAvro is an Avro generic record payload.
	KindAvro
	// KindJSON is a raw JSON document payload.
	KindJSON
)

var kindNames = map[Kind]string{
	KindBean:        "bean",
	KindMap:         "map",
	KindObjectArray: "objectarray",
	KindXML:         "xml",
	KindAvro:        "avro",
	KindJSON:        "json",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Type is a declared event type.
type Type struct {
	Name string
	Kind Kind

	// Properties names the positions of an object-array payload.
	Properties []string

	// AvroSchema is required to decode binary Avro payloads.
	AvroSchema avro.Schema

	index map[string]int
}

// PropertyIndex returns the position of an object-array property.
func (t *Type) PropertyIndex(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Event is one occurrence of a declared type.
type Event interface {
	// Type returns the declared type of the event.
	Type() *Type

	// Underlying returns the payload reference.
	Underlying() any

	// Get reads a property. Nested properties use dotted paths.
	Get(property string) (any, bool)
}

// Retype returns an event of type t over the payload of ev.
// Used for insert-into output where the produced stream has its own type name.
func Retype(ev Event, t *Type) Event {
	if r, ok := ev.(*retyped); ok {
		ev = r.Event
	}
	if ev.Type() == t {
		return ev
	}
	return &retyped{Event: ev, typ: t}
}

type retyped struct {
	Event
	typ *Type
}

func (r *retyped) Type() *Type { return r.typ }

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head]
	if !ok {
		return nil, false
	}
	switch c := child.(type) {
	case map[string]any:
		return lookupPath(c, rest)
	default:
		return nil, false
	}
}
