// Package marshal converts between wire values and the native values handlers work with.
//
// Every value crossing the wire is described by one canonical tag. Inference walks a fixed
// priority list, first match wins:
//
//  1. fixed-size array of non-byte elements → unsupported
//  2. string, or byte sequence              → String (bytes travel as base64 text)
//  3. signed / unsigned integer             → int
//  4. float32 / float64                     → float
//  5. bool                                  → bool
//  6. slice (not bytes)                     → List
//  7. map, struct, interface                → Map
//
// Anything else (channels, functions, complex numbers) has no tag.
package marshal

import (
	"reflect"

	"uds-rpc/rpcerr"
)

// Tag is a canonical wire type identifier.
type Tag string

const (
	TagString Tag = "String"
	TagInt    Tag = "int"
	TagFloat  Tag = "float"
	TagBool   Tag = "bool"
	TagList   Tag = "List"
	TagMap    Tag = "Map"
)

func (t Tag) String() string { return string(t) }

// TagOf infers the tag of a declared type.
func TagOf(t reflect.Type) (Tag, error) {
	if t == nil {
		return "", rpcerr.Param("unsupported type: nil")
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	k := base.Kind()
	switch {
	case k == reflect.Array && base.Elem().Kind() != reflect.Uint8:
		return "", unsupported(t)
	case k == reflect.String || isByteSeq(base):
		return TagString, nil
	case isInteger(k):
		return TagInt, nil
	case k == reflect.Float32 || k == reflect.Float64:
		return TagFloat, nil
	case k == reflect.Bool:
		return TagBool, nil
	case k == reflect.Slice:
		return TagList, nil
	case k == reflect.Map:
		if kk := base.Key().Kind(); kk != reflect.String && !isInteger(kk) {
			return "", unsupported(t)
		}
		return TagMap, nil
	case k == reflect.Struct || k == reflect.Interface:
		return TagMap, nil
	}
	return "", unsupported(t)
}

// TagOfValue infers the tag of a runtime value.
func TagOfValue(v any) (Tag, error) {
	if v == nil {
		return "", rpcerr.Param("unsupported type: nil value")
	}
	if val, ok := v.(Value); ok {
		return val.tag, nil
	}
	return TagOf(reflect.TypeOf(v))
}

func unsupported(t reflect.Type) error {
	return rpcerr.Param("unsupported type: %s", t)
}

func isByteSeq(t reflect.Type) bool {
	return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() == reflect.Uint8
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
