package decision

// Selection is the implementation a usage renders: either Control, or a
// Variant carrying the registry entry for a label. The zero value is Control.
type Selection[T any] struct {
	label   Label
	variant bool
	value   T
}

// ControlSelection selects the default implementation.
func ControlSelection[T any]() Selection[T] {
	return Selection[T]{label: Control}
}

// VariantSelection selects value for label. A control label always yields
// ControlSelection.
func VariantSelection[T any](label Label, value T) Selection[T] {
	if label.IsControl() || label == "" {
		return ControlSelection[T]()
	}
	return Selection[T]{label: label, variant: true, value: value}
}

// Select looks label up with find. Unknown labels map to Control.
func Select[T any](label Label, find func(Label) (T, bool)) Selection[T] {
	if label.IsControl() || label == "" || find == nil {
		return ControlSelection[T]()
	}
	value, ok := find(label)
	if !ok {
		return ControlSelection[T]()
	}
	return VariantSelection(label, value)
}

// IsControl reports whether the selection renders the default implementation.
func (s Selection[T]) IsControl() bool {
	return !s.variant
}

// Label returns the label being rendered.
func (s Selection[T]) Label() Label {
	if !s.variant {
		return Control
	}
	return s.label
}

// Variant returns the selected value and true for a Variant selection.
func (s Selection[T]) Variant() (T, bool) {
	return s.value, s.variant
}
