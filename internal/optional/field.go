// Package optional provides a three-state JSON field: unspecified (key
// absent), null (key present with an explicit null), or a value. Snapshot
// merge semantics genuinely need all three states; an ordinary pointer
// collapses the first two.
package optional

import (
	"bytes"
	"encoding/json"
)

type state uint8

const (
	stateUnspecified state = iota
	stateNull
	stateValue
)

// Field wraps a value of type T with presence information.
type Field[T any] struct {
	state state
	value T
}

// Unspecified returns a field whose key was absent.
func Unspecified[T any]() Field[T] {
	return Field[T]{}
}

// Null returns a field explicitly set to null.
func Null[T any]() Field[T] {
	return Field[T]{state: stateNull}
}

// Of returns a field carrying a value.
func Of[T any](value T) Field[T] {
	return Field[T]{state: stateValue, value: value}
}

// Specified reports whether the field's key appeared at all.
func (f Field[T]) Specified() bool {
	return f.state != stateUnspecified
}

// IsNull reports whether the field was explicitly set to null.
func (f Field[T]) IsNull() bool {
	return f.state == stateNull
}

// Get returns the value and whether one is present.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == stateValue
}

// Ptr returns a pointer to the value, or nil when unspecified or null.
func (f Field[T]) Ptr() *T {
	if f.state != stateValue {
		return nil
	}
	value := f.value
	return &value
}

var nullLiteral = []byte("null")

// UnmarshalJSON is only invoked when the key is present, so decoding always
// moves the field out of the unspecified state.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		*f = Null[T]()
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = Of(value)
	return nil
}

// MarshalJSON renders the value, or null when no value is present.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != stateValue {
		return nullLiteral, nil
	}
	return json.Marshal(f.value)
}
