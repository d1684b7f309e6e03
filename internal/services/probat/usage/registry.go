package usage

import (
	"github.com/a-h/templ"
	"github.com/louisbranch/probat/internal/services/probat/decision"
)

// Implementation is one variant a usage can render: Static or Remote.
type Implementation interface {
	implementation()
}

// Static is an implementation compiled into the binary.
type Static struct {
	Component templ.Component
}

// Remote is an implementation fetched from the variant code endpoint. An
// empty Path uses the default {id}/{experiment or label}.lua.
type Remote struct {
	Path string
}

func (Static) implementation() {}
func (Remote) implementation() {}

// Registry maps labels to implementations. The control label is never looked
// up; control always renders Config.Control.
type Registry map[decision.Label]Implementation

// Lookup returns the implementation for label.
func (r Registry) Lookup(label decision.Label) (Implementation, bool) {
	if label.IsControl() || label == "" {
		return nil, false
	}
	impl, ok := r[label]
	if !ok || impl == nil {
		return nil, false
	}
	if static, isStatic := impl.(Static); isStatic && static.Component == nil {
		return nil, false
	}
	return impl, true
}

// Known reports whether label has an implementation.
func (r Registry) Known(label decision.Label) bool {
	_, ok := r.Lookup(label)
	return ok
}
