package marshal

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"uds-rpc/codec"
	"uds-rpc/rpcerr"
)

// maxDepth bounds Render on self-referencing values.
const maxDepth = 64

var (
	jsonMarshaler = reflect.TypeFor[json.Marshaler]()
	textMarshaler = reflect.TypeFor[encoding.TextMarshaler]()
	nullLiteral   = []byte("null")
)

// Convert decodes positional wire arguments against the declared parameter types.
// Every failure is a ParamError naming the argument.
func Convert(raw []json.RawMessage, types []reflect.Type) (Args, error) {
	if len(raw) != len(types) {
		return nil, rpcerr.Param("expect %d arguments, got %d", len(types), len(raw))
	}
	args := make(Args, len(types))
	for i, t := range types {
		tag, err := TagOf(t)
		if err != nil {
			return nil, err
		}
		rv, err := convert(raw[i], t)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindParam, err, "argument %d", i)
		}
		v := rv.Interface()
		if t.Kind() == reflect.Interface {
			// declared as any: the value itself decides
			if inferred, err := TagOfValue(v); err == nil {
				tag = inferred
			}
		}
		args[i] = Value{tag: tag, v: v}
	}
	return args, nil
}

func convert(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullLiteral) {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, rpcerr.Param("missing value for %s", t)
	}

	switch {
	case t.Kind() == reflect.Pointer:
		ev, err := convert(raw, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(ev)
		return p, nil
	case isByteSeq(t):
		return convertBytes(raw, t)
	case isInteger(t.Kind()):
		return convertInteger(raw, t)
	}

	// structural coercion: let the codec decode the wire shape into the declared shape
	p := reflect.New(t)
	if err := codec.Default.Decode(raw, p.Interface()); err != nil {
		return reflect.Value{}, rpcerr.Param("cannot convert %s to %s", describe(raw), t)
	}
	return p.Elem(), nil
}

func convertBytes(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return reflect.Value{}, rpcerr.Param("expect base64 text for %s, got %s", t, describe(raw))
	}
	b, err := DecodeBase64(s)
	if err != nil {
		return reflect.Value{}, err
	}
	if t.Kind() == reflect.Slice {
		return reflect.ValueOf(b).Convert(t), nil
	}
	if len(b) != t.Len() {
		return reflect.Value{}, rpcerr.Param("expect %d bytes for %s, got %d", t.Len(), t, len(b))
	}
	arr := reflect.New(t).Elem()
	reflect.Copy(arr, reflect.ValueOf(b))
	return arr, nil
}

// convertInteger also accepts whole floats such as 3.0 and numeric strings.
func convertInteger(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return reflect.Value{}, rpcerr.Param("cannot convert %s to %s", describe(raw), t)
	}
	out := reflect.New(t).Elem()
	if isUnsigned(t.Kind()) {
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(n.String(), 64)
			if ferr != nil || f < 0 || f != math.Trunc(f) || f >= 1<<64 {
				return reflect.Value{}, rpcerr.Param("%s is not a valid %s", n, t)
			}
			u = uint64(f)
		}
		if out.OverflowUint(u) {
			return reflect.Value{}, rpcerr.Param("%s overflows %s", n, t)
		}
		out.SetUint(u)
		return out, nil
	}

	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(n.String(), 64)
		if ferr != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= 1<<63 {
			return reflect.Value{}, rpcerr.Param("%s is not a valid %s", n, t)
		}
		i = int64(f)
	}
	if out.OverflowInt(i) {
		return reflect.Value{}, rpcerr.Param("%s overflows %s", n, t)
	}
	out.SetInt(i)
	return out, nil
}

// describe names the JSON shape of raw for error messages.
func describe(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "nothing"
	}
	switch raw[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "bool"
	case 'n':
		return "null"
	}
	return "number"
}

// Render prepares a value for the wire. Byte sequences anywhere inside slices, arrays,
// maps, structs and pointers become standard base64 text. Structs become maps keyed the
// way encoding/json names their fields; json.Marshaler and encoding.TextMarshaler values
// are left to the codec.
func Render(v any) (any, error) {
	return render(reflect.ValueOf(v), 0)
}

func render(rv reflect.Value, depth int) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if depth > maxDepth {
		return nil, rpcerr.DataProcess("value nested deeper than %d levels", maxDepth)
	}
	if t := rv.Type(); t.Implements(jsonMarshaler) || t.Implements(textMarshaler) {
		return rv.Interface(), nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return render(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if isByteSeq(rv.Type()) {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return EncodeBase64(b), nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			e, err := render(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			e, err := render(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		if err := renderFields(rv, out, depth); err != nil {
			return nil, err
		}
		return out, nil
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, rpcerr.DataProcess("cannot serialize value of type %s", rv.Type())
	}
	return rv.Interface(), nil
}

// mapKey formats a key the way encoding/json does for the kinds it accepts.
func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		if err != nil {
			return "", rpcerr.Wrap(rpcerr.KindDataProcess, err, "map key %v", k)
		}
		return string(b), nil
	}
	return fmt.Sprint(k.Interface()), nil
}

// renderFields adds the exported fields of a struct to out. Fields of embedded structs are
// promoted unless a shallower field already took the name.
func renderFields(rv reflect.Value, out map[string]any, depth int) error {
	t := rv.Type()
	var embedded []reflect.Value
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			isPtr := ft.Kind() == reflect.Pointer
			if isPtr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && !ft.Implements(jsonMarshaler) && !ft.Implements(textMarshaler) {
				if isPtr {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				embedded = append(embedded, fv)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(","+opts+",", ",omitempty,") && isEmptyValue(fv) {
			continue
		}
		e, err := render(fv, depth+1)
		if err != nil {
			return rpcerr.Wrap(rpcerr.KindDataProcess, err, "field %s", f.Name)
		}
		out[name] = e
	}

	for _, ev := range embedded {
		promoted := make(map[string]any)
		if err := renderFields(ev, promoted, depth+1); err != nil {
			return err
		}
		for k, v := range promoted {
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}
