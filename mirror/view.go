package mirror

import (
	"github.com/bringyour/crdtsync/crdt"
)

// View is the document region for one binding.
// The initial value is virtual: it is reported while the document has no value for
// the key but never written, so it cannot override remote state.
type View struct {
	doc          crdt.Document
	key          string
	shape        crdt.Shape
	initialValue any
}

func newView(doc crdt.Document, key string, shape crdt.Shape, initialValue any) *View {
	var initialEncoded any
	if initialValue != nil {
		// validated with the binding
		initialEncoded, _ = shape.Encode(initialValue)
	}
	return &View{
		doc:          doc,
		key:          key,
		shape:        shape,
		initialValue: initialEncoded,
	}
}

func (self *View) Key() string {
	return self.key
}

// Stored returns the stored primitive, falling back to the initial value.
func (self *View) Stored() (any, bool) {
	if stored, ok := self.doc.Get(self.key); ok {
		return stored, true
	}
	if self.initialValue != nil {
		return self.initialValue, true
	}
	return nil, false
}

// Value returns the decoded value, falling back to the initial value.
func (self *View) Value() (any, bool, error) {
	stored, ok := self.Stored()
	if !ok {
		return nil, false, nil
	}
	value, err := self.shape.Decode(stored)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Encode converts an application value into the stored primitive.
// A nil scalar encodes as nil, which removes the key.
func (self *View) Encode(value any) (any, error) {
	if value == nil && self.shape != crdt.ShapeJSON {
		return nil, nil
	}
	return self.shape.Encode(value)
}

// Put writes an encoded value.
func (self *View) Put(stored any, tags ...string) error {
	if stored == nil {
		if _, ok := self.doc.Get(self.key); !ok {
			return nil
		}
		return self.doc.Delete(self.key, tags...)
	}
	return self.doc.Set(self.key, stored, tags...)
}
