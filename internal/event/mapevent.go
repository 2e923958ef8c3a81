package event

type mapEvent struct {
	typ     *Type
	payload map[string]any
}

// NewMap wraps a map payload.
func NewMap(t *Type, payload map[string]any) Event {
	return &mapEvent{typ: t, payload: payload}
}

func (e *mapEvent) Type() *Type     { return e.typ }
func (e *mapEvent) Underlying() any { return e.payload }

func (e *mapEvent) Get(property string) (any, bool) {
	return lookupPath(e.payload, property)
}

type arrayEvent struct {
	typ     *Type
	payload []any
}

// NewObjectArray wraps a positional payload. Property names come from the type.
func NewObjectArray(t *Type, payload []any) Event {
	return &arrayEvent{typ: t, payload: payload}
}

func (e *arrayEvent) Type() *Type     { return e.typ }
func (e *arrayEvent) Underlying() any { return e.payload }

func (e *arrayEvent) Get(property string) (any, bool) {
	i, ok := e.typ.PropertyIndex(property)
	if !ok || i >= len(e.payload) {
		return nil, false
	}
	return e.payload[i], true
}
