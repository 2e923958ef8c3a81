package runtime

import (
	"fmt"
	"reflect"

	"github.com/roach88/cepcore/internal/event"
)

// wrapFunc builds an event of one representation from a raw payload.
type wrapFunc func(t *event.Type, payload any) (event.Event, error)

var wrappers = map[event.Kind]wrapFunc{
	event.KindBean:        wrapBean,
	event.KindMap:         wrapMap,
	event.KindObjectArray: wrapObjectArray,
	event.KindXML:         wrapXML,
	event.KindAvro:        wrapAvro,
	event.KindJSON:        wrapJSON,
}

func wrapBean(t *event.Type, payload any) (event.Event, error) {
	if payload == nil {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	if v := reflect.ValueOf(payload); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	return event.NewBean(t, payload), nil
}

func wrapMap(t *event.Type, payload any) (event.Event, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, newKindMismatch(t.Name, "map", fmt.Sprintf("%T", payload))
	}
	if m == nil {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	return event.NewMap(t, m), nil
}

func wrapObjectArray(t *event.Type, payload any) (event.Event, error) {
	values, ok := payload.([]any)
	if !ok {
		return nil, newKindMismatch(t.Name, "objectarray", fmt.Sprintf("%T", payload))
	}
	if values == nil {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	if len(values) > len(t.Properties) {
		return nil, newInvalidPayload(t.Name, fmt.Errorf("%d values for %d properties", len(values), len(t.Properties)))
	}
	return event.NewObjectArray(t, values), nil
}

func wrapXML(t *event.Type, payload any) (event.Event, error) {
	var doc []byte
	switch v := payload.(type) {
	case []byte:
		doc = v
	case string:
		doc = []byte(v)
	default:
		return nil, newKindMismatch(t.Name, "xml", fmt.Sprintf("%T", payload))
	}
	if len(doc) == 0 {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	ev, err := event.NewXML(t, doc)
	if err != nil {
		return nil, newInvalidPayload(t.Name, err)
	}
	return ev, nil
}

func wrapAvro(t *event.Type, payload any) (event.Event, error) {
	switch v := payload.(type) {
	case map[string]any:
		if v == nil {
			return nil, newInvalidInput(t.Name, "event is nil")
		}
		return event.NewAvro(t, v), nil
	case []byte:
		if len(v) == 0 {
			return nil, newInvalidInput(t.Name, "event is nil")
		}
		ev, err := event.DecodeAvro(t, v)
		if err != nil {
			return nil, newInvalidPayload(t.Name, err)
		}
		return ev, nil
	}
	return nil, newKindMismatch(t.Name, "avro", fmt.Sprintf("%T", payload))
}

func wrapJSON(t *event.Type, payload any) (event.Event, error) {
	var raw []byte
	switch v := payload.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil, newKindMismatch(t.Name, "json", fmt.Sprintf("%T", payload))
	}
	if len(raw) == 0 {
		return nil, newInvalidInput(t.Name, "event is nil")
	}
	ev, err := event.NewJSON(t, raw)
	if err != nil {
		return nil, newInvalidPayload(t.Name, err)
	}
	return ev, nil
}

// wrap resolves typeName and builds an event of the expected kind.
func (r *Runtime) wrap(kind event.Kind, typeName string, payload any) (event.Event, error) {
	if payload == nil {
		return nil, newInvalidInput(typeName, "event is nil")
	}
	if r.destroyed.Load() {
		return nil, errDestroyed
	}
	t, err := r.types.Lookup(typeName)
	if err != nil {
		return nil, newUnknownType(typeName, err)
	}
	if t.Kind != kind {
		return nil, newKindMismatch(t.Name, t.Kind.String(), kind.String())
	}
	return wrappers[kind](t, payload)
}

func (r *Runtime) send(kind event.Kind, typeName string, payload any) error {
	ev, err := r.wrap(kind, typeName, payload)
	if err != nil {
		return err
	}
	return r.ProcessWrappedEvent(ev)
}

// SendEventBean processes a Go value as an event of typeName.
func (r *Runtime) SendEventBean(payload any, typeName string) error {
	return r.send(event.KindBean, typeName, payload)
}

// SendEventMap processes a map payload.
func (r *Runtime) SendEventMap(payload map[string]any, typeName string) error {
	if payload == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return r.send(event.KindMap, typeName, payload)
}

// SendEventObjectArray processes a positional payload.
func (r *Runtime) SendEventObjectArray(payload []any, typeName string) error {
	if payload == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return r.send(event.KindObjectArray, typeName, payload)
}

// SendEventXML processes an XML document.
func (r *Runtime) SendEventXML(doc []byte, typeName string) error {
	if doc == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return r.send(event.KindXML, typeName, doc)
}

// SendEventAvro processes an Avro record: a decoded generic record
// (map[string]any) or binary data in the type's schema.
func (r *Runtime) SendEventAvro(record any, typeName string) error {
	return r.send(event.KindAvro, typeName, record)
}

// SendEventJSON processes a JSON document.
func (r *Runtime) SendEventJSON(doc string, typeName string) error {
	if doc == "" {
		return newInvalidInput(typeName, "event is nil")
	}
	return r.send(event.KindJSON, typeName, doc)
}

// EventSender sends events of one type without resolving the type per call.
type EventSender interface {
	// SendEvent processes payload like the matching SendEvent method.
	SendEvent(payload any) error
	// RouteEvent adds payload to the back queue of p.
	RouteEvent(p *Pass, payload any) error
}

type sender struct {
	rt   *Runtime
	typ  *event.Type
	wrap wrapFunc
}

// EventSender returns a sender for typeName. The representation is fixed
// by the type's kind.
func (r *Runtime) EventSender(typeName string) (EventSender, error) {
	t, err := r.types.Lookup(typeName)
	if err != nil {
		return nil, newUnknownType(typeName, err)
	}
	w, ok := wrappers[t.Kind]
	if !ok {
		return nil, newInvalidInput(typeName, "unsupported event kind "+t.Kind.String())
	}
	return &sender{rt: r, typ: t, wrap: w}, nil
}

func (s *sender) build(payload any) (event.Event, error) {
	if payload == nil {
		return nil, newInvalidInput(s.typ.Name, "event is nil")
	}
	return s.wrap(s.typ, payload)
}

func (s *sender) SendEvent(payload any) error {
	ev, err := s.build(payload)
	if err != nil {
		return err
	}
	return s.rt.ProcessWrappedEvent(ev)
}

func (s *sender) RouteEvent(p *Pass, payload any) error {
	ev, err := s.build(payload)
	if err != nil {
		return err
	}
	p.routeExternal(ev)
	return nil
}

// routeExternal adds ev to the back queue; it is processed after the
// current event within this pass.
func (p *Pass) routeExternal(ev event.Event) {
	p.rt.routedExternal.Add(1)
	p.queue.AddBack(ev)
}

func (p *Pass) route(kind event.Kind, typeName string, payload any) error {
	ev, err := p.rt.wrap(kind, typeName, payload)
	if err != nil {
		return err
	}
	p.routeExternal(ev)
	return nil
}

// RouteEventBean routes a Go value from listener or statement code.
func (p *Pass) RouteEventBean(payload any, typeName string) error {
	return p.route(event.KindBean, typeName, payload)
}

// RouteEventMap routes a map payload.
func (p *Pass) RouteEventMap(payload map[string]any, typeName string) error {
	if payload == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return p.route(event.KindMap, typeName, payload)
}

// RouteEventObjectArray routes a positional payload.
func (p *Pass) RouteEventObjectArray(payload []any, typeName string) error {
	if payload == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return p.route(event.KindObjectArray, typeName, payload)
}

// RouteEventXML routes an XML document.
func (p *Pass) RouteEventXML(doc []byte, typeName string) error {
	if doc == nil {
		return newInvalidInput(typeName, "event is nil")
	}
	return p.route(event.KindXML, typeName, doc)
}

// RouteEventAvro routes an Avro record.
func (p *Pass) RouteEventAvro(record any, typeName string) error {
	return p.route(event.KindAvro, typeName, record)
}

// RouteEventJSON routes a JSON document.
func (p *Pass) RouteEventJSON(doc string, typeName string) error {
	if doc == "" {
		return newInvalidInput(typeName, "event is nil")
	}
	return p.route(event.KindJSON, typeName, doc)
}
