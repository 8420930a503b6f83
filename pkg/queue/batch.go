package queue

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// Document tags and attributes of the batch format.
const (
	TagBatch   = "batch"
	TagModule  = "module"
	AttrID     = "batch_id"
	AttrStatus = "status"
	AttrName   = "name"
)

// Batch is an in-memory view of one batch document.
type Batch struct {
	ID  uint32
	Doc *xmldoc.Element
}

// Step is one module element of a batch.
type Step struct {
	el *xmldoc.Element
}

// Decode validates a batch document and wraps it.
func Decode(doc *xmldoc.Element) (*Batch, error) {
	if doc == nil || doc.Tag != TagBatch {
		return nil, fmt.Errorf("not a batch document")
	}
	id, err := ParseID(doc.Attr(AttrID))
	if err != nil {
		return nil, err
	}
	if _, err := ParseState(doc.Attr(AttrStatus)); err != nil {
		return nil, fmt.Errorf("batch %d: %w", id, err)
	}
	return &Batch{ID: id, Doc: doc}, nil
}

// ParseID parses a batch id attribute. Zero and values outside 31 bits are rejected.
func ParseID(v string) (uint32, error) {
	n, err := strconv.ParseUint(v, 10, 31)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid batch id %q", v)
	}
	return uint32(n), nil
}

// newBatch builds the persisted form of a submitted batch request.
func newBatch(id uint32, req *xmldoc.Element) *Batch {
	doc := xmldoc.New(TagBatch)
	for _, a := range req.Attrs {
		doc.SetAttr(a.Name, a.Value)
	}
	doc.SetAttr(AttrID, strconv.FormatUint(uint64(id), 10))
	doc.SetAttr(AttrStatus, StateSched.Attr())

	for _, c := range req.Children {
		child := c.Clone()
		if child.Tag == TagModule {
			child.SetAttr(AttrStatus, StateSched.Attr())
		}
		doc.Append(child)
	}
	return &Batch{ID: id, Doc: doc}
}

// Status returns the batch state. A malformed status reads as req_fail.
func (b *Batch) Status() State {
	s, err := ParseState(b.Doc.Attr(AttrStatus))
	if err != nil {
		return StateReqFail
	}
	return s
}

// SetStatus updates the batch state.
func (b *Batch) SetStatus(s State) {
	b.Doc.SetAttr(AttrStatus, s.Attr())
}

// Steps returns the module elements in order.
func (b *Batch) Steps() []Step {
	var steps []Step
	for _, c := range b.Doc.ChildrenByTag(TagModule) {
		steps = append(steps, Step{el: c})
	}
	return steps
}

// Marshal renders the batch document.
func (b *Batch) Marshal() []byte {
	return b.Doc.Marshal()
}

// Name returns the module the step is addressed to.
func (s Step) Name() string {
	return s.el.Attr(AttrName)
}

// State returns the step state. Steps without a valid status are treated
// as scheduled.
func (s Step) State() State {
	st, err := ParseState(s.el.Attr(AttrStatus))
	if err != nil {
		return StateSched
	}
	return st
}

// SetState updates the step state.
func (s Step) SetState(st State) {
	s.el.SetAttr(AttrStatus, st.Attr())
}

// Payload returns the step's single child: the request before execution,
// the module response afterwards.
func (s Step) Payload() *xmldoc.Element {
	if len(s.el.Children) == 0 {
		return nil
	}
	return s.el.Children[0]
}

// SetPayload replaces the step's child.
func (s Step) SetPayload(p *xmldoc.Element) {
	if p == nil {
		s.el.Children = nil
		return
	}
	s.el.Children = []*xmldoc.Element{p}
}
