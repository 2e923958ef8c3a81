// Package event defines the uniform event abstraction consumed by the runtime.
//
// An Event is an immutable handle over one occurrence. The payload may be a Go
// value (bean), a map, an object array, an XML document, an Avro record or a
// JSON document; the runtime never inspects the payload directly and reads
// properties only through Event.Get.
//
// Every event carries its declared *Type. Types are registered once in a
// Registry and looked up by normalized name; the Kind of a type selects the
// representation used by event senders.
package event
