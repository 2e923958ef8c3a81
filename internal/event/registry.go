package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrUnknownType is returned when a type name has not been registered.
var ErrUnknownType = errors.New("unknown event type")

// Registry holds the declared event types.
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// NormalizeName trims a type name and applies NFC normalization so that
// visually identical names resolve to the same type.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Register declares a type. Registering the same name again with the same
// kind returns the existing type; a different kind is an error.
func (r *Registry) Register(t Type) (*Type, error) {
	t.Name = NormalizeName(t.Name)
	if t.Name == "" {
		return nil, errors.New("event type name is required")
	}
	if _, ok := kindNames[t.Kind]; !ok {
		return nil, fmt.Errorf("event type %s: invalid kind %v", t.Name, t.Kind)
	}
	if t.Kind == KindObjectArray && len(t.Properties) == 0 {
		return nil, fmt.Errorf("event type %s: object-array types need property names", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if existing.Kind != t.Kind {
			return nil, fmt.Errorf("event type %s already registered as %s", t.Name, existing.Kind)
		}
		return existing, nil
	}

	if len(t.Properties) > 0 {
		t.Properties = append([]string(nil), t.Properties...)
		t.index = make(map[string]int, len(t.Properties))
		for i, p := range t.Properties {
			if _, dup := t.index[p]; dup {
				return nil, fmt.Errorf("event type %s: duplicate property %q", t.Name, p)
			}
			t.index[p] = i
		}
	}

	stored := t
	r.types[t.Name] = &stored
	return &stored, nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
