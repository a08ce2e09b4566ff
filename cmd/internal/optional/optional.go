// Package optional contains optional values for command line flags.
package optional

import "errors"

// Value is a value that may be missing. The zero value is empty.
type Value[T any] struct {
	present bool
	value   T
}

// None returns an empty [Value].
func None[T any]() Value[T] {
	return Value[T]{}
}

// Some returns a [Value] containing value.
func Some[T any](value T) Value[T] {
	return Value[T]{present: true, value: value}
}

// Empty returns true when the [Value] is empty.
func (v Value[T]) Empty() bool {
	return !v.present
}

// ErrEmpty is the panic value of [Value.Unwrap] for an empty [Value].
var ErrEmpty = errors.New("optional: empty value")

// Unwrap returns the contained value and panics with [ErrEmpty] when
// the [Value] is empty.
func (v Value[T]) Unwrap() T {
	if !v.present {
		panic(ErrEmpty)
	}
	return v.value
}

// UnwrapOr returns the contained value or fallback when empty.
func (v Value[T]) UnwrapOr(fallback T) T {
	if !v.present {
		return fallback
	}
	return v.value
}
