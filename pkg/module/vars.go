package module

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// VarType is the declared type of a var element.
type VarType string

const (
	TypeInt     VarType = "int"
	TypeBool    VarType = "boolean"
	TypeString  VarType = "string"
	TypeXML     VarType = "xml"
	TypeListStr VarType = "list_str"
	TypeListInt VarType = "list_int"
	TypeListXML VarType = "list_xml"
)

const (
	tagVar       = "var"
	tagListEntry = "listentry"
)

// Var is a typed, named value exchanged with modules.
type Var struct {
	Name    string
	Type    VarType
	Mutable bool

	// Value holds scalar types.
	Value string
	// List holds list_str and list_int entries.
	List []string
	// XML holds the children of xml and list_xml vars.
	XML []*xmldoc.Element
}

// String builds a string var.
func String(name, value string) Var {
	return Var{Name: name, Type: TypeString, Value: value}
}

// Int builds an int var.
func Int(name string, value int64) Var {
	return Var{Name: name, Type: TypeInt, Value: strconv.FormatInt(value, 10)}
}

// Bool builds a boolean var.
func Bool(name string, value bool) Var {
	return Var{Name: name, Type: TypeBool, Value: strconv.FormatBool(value)}
}

// StringList builds a list_str var.
func StringList(name string, values []string) Var {
	return Var{Name: name, Type: TypeListStr, List: values}
}

// XMLVar builds an xml var wrapping one element.
func XMLVar(name string, el *xmldoc.Element) Var {
	return Var{Name: name, Type: TypeXML, XML: []*xmldoc.Element{el}}
}

// ParseVar decodes a var element.
func ParseVar(el *xmldoc.Element) (Var, error) {
	if el.Tag != tagVar {
		return Var{}, fmt.Errorf("not a var: <%s>", el.Tag)
	}
	v := Var{
		Name:    el.Attr("name"),
		Type:    VarType(el.Attr("type")),
		Mutable: el.Attr("mutable") == "true",
	}
	if v.Name == "" {
		return Var{}, fmt.Errorf("var without name")
	}

	switch v.Type {
	case TypeInt:
		v.Value = el.Attr("value")
		if _, err := strconv.ParseInt(v.Value, 10, 64); err != nil {
			return Var{}, fmt.Errorf("var %s: invalid int %q", v.Name, v.Value)
		}
	case TypeBool:
		v.Value = strconv.FormatBool(el.Attr("value") == "true")
	case TypeString:
		v.Value = el.Attr("value")
	case TypeXML, TypeListXML:
		for _, c := range el.Children {
			v.XML = append(v.XML, c.Clone())
		}
	case TypeListStr, TypeListInt:
		for _, c := range el.ChildrenByTag(tagListEntry) {
			v.List = append(v.List, c.Attr("value"))
		}
	default:
		return Var{}, fmt.Errorf("var %s: unsupported type %q", v.Name, v.Type)
	}
	return v, nil
}

// Element encodes the var.
func (v Var) Element() *xmldoc.Element {
	el := xmldoc.New(tagVar, "name", v.Name, "type", string(v.Type))
	if v.Mutable {
		el.SetAttr("mutable", "true")
	} else {
		el.SetAttr("mutable", "false")
	}
	switch v.Type {
	case TypeListStr, TypeListInt:
		for _, s := range v.List {
			el.Append(xmldoc.New(tagListEntry, "value", s))
		}
	case TypeXML, TypeListXML:
		for _, c := range v.XML {
			el.Append(c.Clone())
		}
	default:
		el.SetAttr("value", v.Value)
	}
	return el
}

// BoolValue reports whether a boolean var is true.
func (v Var) BoolValue() bool {
	return v.Value == "true"
}

// IntValue parses an int var.
func (v Var) IntValue() (int64, error) {
	return strconv.ParseInt(v.Value, 10, 64)
}

// Args are the input vars of a call, by name.
type Args map[string]Var

// String returns the value of a string-like arg, or "".
func (a Args) String(name string) string {
	return a[name].Value
}

// Require returns the value of a mandatory non-empty arg.
func (a Args) Require(name string) (string, error) {
	v, ok := a[name]
	if !ok || v.Value == "" {
		return "", Failf(CodeInvalidArgs, "missing variable %s", name)
	}
	return v.Value, nil
}

// Strings returns the entries of a list arg.
func (a Args) Strings(name string) []string {
	return a[name].List
}
