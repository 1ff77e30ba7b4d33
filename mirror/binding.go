package mirror

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/bringyour/crdtsync/crdt"
)

var (
	ErrNoBindings       = errors.New("no bindings")
	ErrDuplicateBinding = errors.New("duplicate binding key")
	ErrMissingKey       = errors.New("binding requires a key")
	ErrMissingSelect    = errors.New("binding requires select")
	ErrMissingApply     = errors.New("binding requires apply")
	ErrUnknownShape     = errors.New("binding has an unknown shape")
)

// Setter replaces store state on behalf of a document change.
type Setter[S any] func(update func(state S) S)

// Binding maps one region of the application state to one root key of the document.
// `Apply(Select(s))` must not change `s`.
type Binding[S any] struct {
	Key   string
	Shape crdt.Shape
	// the current value for `Key`. nil removes the key for scalar shapes.
	Select func(state S) any
	// writes a decoded document value into the store through `set`
	Apply func(value any, set Setter[S])
	// used while the document has no value for `Key`. nil for none.
	InitialValue any
}

// Field binds a typed field of the state.
func Field[S any, V any](key string, shape crdt.Shape, get func(state S) V, put func(state S, value V) S) *Binding[S] {
	return &Binding[S]{
		Key:   key,
		Shape: shape,
		Select: func(state S) any {
			return get(state)
		},
		Apply: func(value any, set Setter[S]) {
			v, err := crdt.As[V](value)
			if err != nil {
				glog.Infof("[m]apply %s: %s\n", key, err)
				return
			}
			set(func(state S) S {
				return put(state, v)
			})
		},
	}
}

// WithInitialValue sets the value used while the document has none.
func (self *Binding[S]) WithInitialValue(initialValue any) *Binding[S] {
	self.InitialValue = initialValue
	return self
}

func validateBindings[S any](bindings []*Binding[S]) error {
	if len(bindings) == 0 {
		return ErrNoBindings
	}
	keys := map[string]bool{}
	for i, binding := range bindings {
		if binding == nil || binding.Key == "" {
			return fmt.Errorf("binding %d: %w", i, ErrMissingKey)
		}
		if keys[binding.Key] {
			return fmt.Errorf("%w: %s", ErrDuplicateBinding, binding.Key)
		}
		keys[binding.Key] = true
		if !binding.Shape.Valid() {
			return fmt.Errorf("%w: %s (%s)", ErrUnknownShape, binding.Key, binding.Shape)
		}
		if binding.Select == nil {
			return fmt.Errorf("%w: %s", ErrMissingSelect, binding.Key)
		}
		if binding.Apply == nil {
			return fmt.Errorf("%w: %s", ErrMissingApply, binding.Key)
		}
		if binding.InitialValue != nil {
			if _, err := binding.Shape.Encode(binding.InitialValue); err != nil {
				return fmt.Errorf("binding %s initial value: %w", binding.Key, err)
			}
		}
	}
	return nil
}
