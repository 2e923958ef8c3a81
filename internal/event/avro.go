package event

import (
	"errors"
	"fmt"

	"github.com/hamba/avro/v2"
)

type avroEvent struct {
	typ    *Type
	record map[string]any
}

// NewAvro wraps an already decoded Avro generic record.
func NewAvro(t *Type, record map[string]any) Event {
	return &avroEvent{typ: t, record: record}
}

// DecodeAvro decodes a binary Avro payload with the schema of t.
func DecodeAvro(t *Type, data []byte) (Event, error) {
	if t.AvroSchema == nil {
		return nil, errors.New("avro type " + t.Name + " has no schema")
	}
	record := make(map[string]any)
	if err := avro.Unmarshal(t.AvroSchema, data, &record); err != nil {
		return nil, fmt.Errorf("decode avro event %s: %w", t.Name, err)
	}
	return &avroEvent{typ: t, record: record}, nil
}

func (e *avroEvent) Type() *Type     { return e.typ }
func (e *avroEvent) Underlying() any { return e.record }

func (e *avroEvent) Get(property string) (any, bool) {
	return lookupPath(e.record, property)
}
