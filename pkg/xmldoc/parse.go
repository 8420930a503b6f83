package xmldoc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// ErrNoRoot is returned when the input holds no element at all.
var ErrNoRoot = errors.New("xmldoc: no root element")

// Parse decodes a complete document. Input that stops before the root
// element is closed is an error, which lets callers accumulate a stream
// until the first successful parse.
func Parse(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true

	var stack []*Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if len(stack) > 0 {
				return nil, fmt.Errorf("xmldoc: unexpected end of document inside <%s>", stack[len(stack)-1].Tag)
			}
			return nil, ErrNoRoot
		}
		if err != nil {
			return nil, fmt.Errorf("xmldoc: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			e := &Element{Tag: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				e.SetAttr(a.Name.Local, a.Value)
			}
			if n := len(stack); n > 0 {
				stack[n-1].Children = append(stack[n-1].Children, e)
			}
			stack = append(stack, e)
		case xml.EndElement:
			root := stack[0]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return root, nil
			}
		}
	}
}

// ParseString is Parse for string input.
func ParseString(s string) (*Element, error) {
	return Parse([]byte(s))
}
