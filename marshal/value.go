package marshal

import (
	"encoding/json"
	"fmt"
	"reflect"

	"uds-rpc/codec"
	"uds-rpc/rpcerr"
)

// Value is one argument after conversion: a native Go value of the declared parameter
// type together with its canonical tag.
type Value struct {
	tag Tag
	v   any
}

// NewValue wraps v, inferring its tag.
func NewValue(v any) (Value, error) {
	tag, err := TagOfValue(v)
	if err != nil {
		return Value{}, err
	}
	return Value{tag: tag, v: v}, nil
}

func (v Value) Tag() Tag        { return v.tag }
func (v Value) Interface() any { return v.v }

func (v Value) MarshalJSON() ([]byte, error) {
	out, err := Render(v.v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.tag, v.v)
}

// Args are the positional arguments handed to a handler.
type Args []Value

func (a Args) Len() int { return len(a) }

// Interfaces returns the native values in order.
func (a Args) Interfaces() []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = v.v
	}
	return out
}

// As returns argument i as a T. Values already of type T are returned directly; anything
// else is coerced structurally through the codec.
func As[T any](args Args, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, rpcerr.Param("argument %d out of range, have %d", i, len(args))
	}
	if t, ok := args[i].v.(T); ok {
		return t, nil
	}
	data, err := codec.Default.Encode(args[i])
	if err != nil {
		return zero, rpcerr.Wrap(rpcerr.KindParam, err, "argument %d", i)
	}
	out, err := convert(data, reflect.TypeFor[T]())
	if err != nil {
		return zero, rpcerr.Wrap(rpcerr.KindParam, err, "argument %d", i)
	}
	t, _ := out.Interface().(T)
	return t, nil
}
