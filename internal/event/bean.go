package event

import (
	"reflect"
	"strings"
	"sync"
)

// beanFields caches the property name to field index mapping per struct type.
var beanFields sync.Map // map[reflect.Type]map[string][]int

type beanEvent struct {
	typ     *Type
	payload any
	value   reflect.Value
}

// NewBean wraps a struct or pointer-to-struct payload.
// Properties are exported field names, or the name given by a `cep:"..."` tag.
func NewBean(t *Type, payload any) Event {
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return &beanEvent{typ: t, payload: payload, value: v}
}

func (e *beanEvent) Type() *Type     { return e.typ }
func (e *beanEvent) Underlying() any { return e.payload }

func (e *beanEvent) Get(property string) (any, bool) {
	if e.value.Kind() != reflect.Struct {
		return nil, false
	}
	v := e.value
	for _, name := range strings.Split(property, ".") {
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, false
			}
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Struct:
			idx, ok := fieldsOf(v.Type())[name]
			if !ok {
				return nil, false
			}
			v = v.FieldByIndex(idx)
		case reflect.Map:
			if v.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			mv := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
			if !mv.IsValid() {
				return nil, false
			}
			v = mv
		default:
			return nil, false
		}
	}
	if !v.CanInterface() {
		return nil, false
	}
	return v.Interface(), true
}

func fieldsOf(t reflect.Type) map[string][]int {
	if cached, ok := beanFields.Load(t); ok {
		return cached.(map[string][]int)
	}
	fields := make(map[string][]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("cep"); ok && tag != "" && tag != "-" {
			name = tag
		}
		fields[name] = f.Index
	}
	beanFields.Store(t, fields)
	return fields
}
