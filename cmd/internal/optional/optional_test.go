package optional

import (
	"errors"
	"testing"
)

func TestValue(t *testing.T) {
	t.Run("None", func(t *testing.T) {
		v := None[string]()
		if !v.Empty() {
			t.Fatal("expected an empty value")
		}
		if got := v.UnwrapOr("/tmp"); got != "/tmp" {
			t.Fatal("unexpected fallback", got)
		}
		defer func() {
			err, _ := recover().(error)
			if !errors.Is(err, ErrEmpty) {
				t.Fatal("expected a panic with ErrEmpty, got", err)
			}
		}()
		v.Unwrap()
	})

	t.Run("the zero value is empty", func(t *testing.T) {
		var v Value[int]
		if !v.Empty() {
			t.Fatal("expected an empty value")
		}
	})

	t.Run("Some", func(t *testing.T) {
		v := Some("captures")
		if v.Empty() {
			t.Fatal("expected a value")
		}
		if got := v.Unwrap(); got != "captures" {
			t.Fatal("unexpected value", got)
		}
		if got := v.UnwrapOr("/tmp"); got != "captures" {
			t.Fatal("unexpected value", got)
		}
	})

	t.Run("Some with the zero value", func(t *testing.T) {
		if Some(0).Empty() {
			t.Fatal("expected a value")
		}
	})
}
