// Package xmldoc implements the element tree used on the wire and on disk.
//
// Documents are plain trees of tags, attributes and child elements.
// Character data is ignored on parse and never generated.
package xmldoc

import (
	"bytes"
	"encoding/xml"
)

const declaration = "<?xml version=\"1.0\"?>\n"

// Attr is a single name/value attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is one node of a document tree.
type Element struct {
	Tag      string
	Attrs    []Attr
	Children []*Element
}

// New creates an element with the given tag and attribute pairs.
// Pairs are given as name, value, name, value...; a trailing odd name is ignored.
func New(tag string, pairs ...string) *Element {
	e := &Element{Tag: tag}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.SetAttr(pairs[i], pairs[i+1])
	}
	return e
}

// Attr returns the value of the named attribute or "" when absent.
func (e *Element) Attr(name string) string {
	v, _ := e.LookupAttr(name)
	return v
}

// LookupAttr returns the value of the named attribute and whether it exists.
func (e *Element) LookupAttr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// HasAttr reports whether the named attribute is present.
func (e *Element) HasAttr(name string) bool {
	_, ok := e.LookupAttr(name)
	return ok
}

// SetAttr sets an attribute, replacing an existing value in place.
func (e *Element) SetAttr(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// RemoveAttr deletes the named attribute if present.
func (e *Element) RemoveAttr(name string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// Append adds children and returns the receiver.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// Child returns the first child with the given tag, or nil.
func (e *Element) Child(tag string) *Element {
	for _, c := range e.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// ChildrenByTag returns every direct child with the given tag.
func (e *Element) ChildrenByTag(tag string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits the element and all of its descendants depth-first.
// Returning false from fn stops the walk.
func (e *Element) Walk(fn func(*Element) bool) bool {
	if !fn(e) {
		return false
	}
	for _, c := range e.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Tag: e.Tag}
	if len(e.Attrs) > 0 {
		c.Attrs = make([]Attr, len(e.Attrs))
		copy(c.Attrs, e.Attrs)
	}
	for _, child := range e.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

// Equal compares two trees. Attribute order is not significant; child order is.
func (e *Element) Equal(o *Element) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Tag != o.Tag || len(e.Attrs) != len(o.Attrs) || len(e.Children) != len(o.Children) {
		return false
	}
	for _, a := range e.Attrs {
		if v, ok := o.LookupAttr(a.Name); !ok || v != a.Value {
			return false
		}
	}
	for i := range e.Children {
		if !e.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Marshal renders the element as a complete document with an XML declaration.
func (e *Element) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(declaration)
	e.write(&buf, "")
	return buf.Bytes()
}

// String renders the element without the XML declaration.
func (e *Element) String() string {
	var buf bytes.Buffer
	e.write(&buf, "")
	return buf.String()
}

func (e *Element) write(buf *bytes.Buffer, indent string) {
	buf.WriteString(indent)
	buf.WriteByte('<')
	buf.WriteString(e.Tag)
	for _, a := range e.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		_ = xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	if len(e.Children) == 0 {
		buf.WriteString("/>\n")
		return
	}
	buf.WriteString(">\n")
	for _, c := range e.Children {
		c.write(buf, indent+"\t")
	}
	buf.WriteString(indent)
	buf.WriteString("</")
	buf.WriteString(e.Tag)
	buf.WriteString(">\n")
}
