package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"uds-rpc/marshal"
)

// Category separates the method table from the signal table. Names are unique per category.
type Category int

const (
	Method Category = iota // invoked synchronously, returns a value
	Signal                 // triggered asynchronously, fire-and-forget
)

func (c Category) String() string {
	switch c {
	case Method:
		return "method"
	case Signal:
		return "signal"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// HandlerFunc receives converted arguments. The returned value is sent back for methods
// and discarded for signals.
type HandlerFunc func(ctx context.Context, args marshal.Args) (any, error)

// Param declares one positional parameter.
type Param struct {
	Name string
	Type reflect.Type
}

// ParamOf declares a parameter of type T.
func ParamOf[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T]()}
}

// ReturnOf declares a return type T.
func ReturnOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Handler is an explicit registration record. Returns is nil when nothing is returned.
type Handler struct {
	Name     string
	Category Category
	Func     HandlerFunc
	Params   []Param
	Returns  reflect.Type
}

// Entry is a validated Handler with its canonical tags resolved.
type Entry struct {
	Handler
	ParamNames []string
	ParamTags  []marshal.Tag
	ReturnTag  marshal.Tag // empty when Returns is nil
	paramTypes []reflect.Type
}

// Convert decodes wire arguments against the declared parameters.
func (e *Entry) Convert(data []json.RawMessage) (marshal.Args, error) {
	return marshal.Convert(data, e.paramTypes)
}

// Invoke converts data and calls the handler.
func (e *Entry) Invoke(ctx context.Context, data []json.RawMessage) (any, error) {
	args, err := e.Convert(data)
	if err != nil {
		return nil, err
	}
	return e.Func(ctx, args)
}
