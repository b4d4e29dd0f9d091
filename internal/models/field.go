package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldStatus distinguishes a question never reached from one explicitly
// skipped and from one answered.
type FieldStatus uint8

const (
	FieldUnset FieldStatus = iota
	FieldSkipped
	FieldSet
)

func (s FieldStatus) String() string {
	switch s {
	case FieldSkipped:
		return "skipped"
	case FieldSet:
		return "set"
	default:
		return "unset"
	}
}

// Field is a tri-state answer slot: unset, skipped, or holding a value.
// The zero value is unset.
type Field[T any] struct {
	status FieldStatus
	value  T
}

// Value returns a field holding v.
func Value[T any](v T) Field[T] {
	return Field[T]{status: FieldSet, value: v}
}

// Skipped returns a field marked as explicitly skipped.
func Skipped[T any]() Field[T] {
	return Field[T]{status: FieldSkipped}
}

// Status returns the tri-state status of the field.
func (f Field[T]) Status() FieldStatus { return f.status }

// IsSet reports whether the field holds a value.
func (f Field[T]) IsSet() bool { return f.status == FieldSet }

// IsSkipped reports whether the field was explicitly skipped.
func (f Field[T]) IsSkipped() bool { return f.status == FieldSkipped }

// IsZero reports whether the field is unset. It lets `omitzero` drop unset
// fields when encoding.
func (f Field[T]) IsZero() bool { return f.status == FieldUnset }

// Get returns the value and whether one is present.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.status == FieldSet
}

// OrElse returns the value, or def when the field holds none.
func (f Field[T]) OrElse(def T) T {
	if f.status == FieldSet {
		return f.value
	}
	return def
}

type fieldJSON[T any] struct {
	Skipped bool `json:"skipped,omitempty"`
	Value   *T   `json:"value,omitempty"`
}

// MarshalJSON encodes unset as null, skipped as {"skipped":true} and a value
// as {"value":...}.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	switch f.status {
	case FieldSkipped:
		return json.Marshal(fieldJSON[T]{Skipped: true})
	case FieldSet:
		v := f.value
		return json.Marshal(fieldJSON[T]{Value: &v})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Field[T]{}
		return nil
	}
	var raw fieldJSON[T]
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode field: %w", err)
	}
	switch {
	case raw.Skipped:
		*f = Skipped[T]()
	case raw.Value != nil:
		*f = Value(*raw.Value)
	default:
		*f = Field[T]{}
	}
	return nil
}
