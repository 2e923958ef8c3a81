package event

import (
	"errors"

	"github.com/tidwall/gjson"
)

type jsonEvent struct {
	typ *Type
	raw []byte
}

// NewJSON wraps a raw JSON document. Properties are gjson paths.
func NewJSON(t *Type, raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid json document for event type " + t.Name)
	}
	return &jsonEvent{typ: t, raw: raw}, nil
}

func (e *jsonEvent) Type() *Type     { return e.typ }
func (e *jsonEvent) Underlying() any { return e.raw }

func (e *jsonEvent) Get(property string) (any, bool) {
	r := gjson.GetBytes(e.raw, property)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}
