package event

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

type xmlEvent struct {
	typ   *Type
	doc   []byte
	props map[string]string
}

// NewXML parses an XML document once and exposes its content as properties.
//
// Element text is addressed by the dotted path below the root element
// ("order.item"); attributes use "path@name", root attributes "@name".
func NewXML(t *Type, doc []byte) (Event, error) {
	props, err := flattenXML(doc)
	if err != nil {
		return nil, fmt.Errorf("parse xml event %s: %w", t.Name, err)
	}
	return &xmlEvent{typ: t, doc: doc, props: props}, nil
}

func (e *xmlEvent) Type() *Type     { return e.typ }
func (e *xmlEvent) Underlying() any { return e.doc }

func (e *xmlEvent) Get(property string) (any, bool) {
	v, ok := e.props[property]
	return v, ok
}

func flattenXML(doc []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	props := make(map[string]string)
	var path []string
	var text strings.Builder
	depth := 0

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tk := tok.(type) {
		case xml.StartElement:
			if depth > 0 {
				path = append(path, tk.Name.Local)
			}
			depth++
			prefix := strings.Join(path, ".")
			for _, attr := range tk.Attr {
				props[prefix+"@"+attr.Name.Local] = attr.Value
			}
			text.Reset()
		case xml.CharData:
			text.Write(tk)
		case xml.EndElement:
			depth--
			if len(path) > 0 {
				key := strings.Join(path, ".")
				if s := strings.TrimSpace(text.String()); s != "" {
					props[key] = s
				}
				path = path[:len(path)-1]
			}
			text.Reset()
		}
	}
	if depth != 0 {
		return nil, errors.New("unbalanced xml document")
	}
	return props, nil
}
