package memo

import (
	"bytes"
	"encoding"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrLossyResult is returned by Wrap when the codec would silently drop
// part of the result type, so cache hits could not reproduce the result.
var ErrLossyResult = errors.New("memo: result type does not survive encoding")

// Codec serializes results for storage. Implementations must round-trip
// every value the memoized function returns.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// TypeChecker is implemented by codecs that can reject a result type
// ahead of time. Wrap calls it with the result type.
type TypeChecker interface {
	CheckType(t reflect.Type) error
}

// JSONCodec stores results as JSON. It is the default.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CheckType rejects types with unexported fields, or func and chan
// values, outside of types that marshal themselves. Fields tagged
// `json:"-"` are skipped.
func (JSONCodec) CheckType(t reflect.Type) error {
	c := typeCheck{
		marshalers: []reflect.Type{
			reflect.TypeFor[json.Marshaler](),
			reflect.TypeFor[encoding.TextMarshaler](),
		},
		jsonTags: true,
		seen:     map[reflect.Type]bool{},
	}
	return c.walk(t, t.String())
}

// GobCodec stores results with encoding/gob. Concrete types stored in
// interface fields must be registered with gob.Register.
type GobCodec struct{}

// Marshal implements Codec.
func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// CheckType rejects types with unexported fields, or func and chan
// values, outside of types implementing gob.GobEncoder or
// encoding.BinaryMarshaler.
func (GobCodec) CheckType(t reflect.Type) error {
	c := typeCheck{
		marshalers: []reflect.Type{
			reflect.TypeFor[gob.GobEncoder](),
			reflect.TypeFor[encoding.BinaryMarshaler](),
		},
		seen: map[reflect.Type]bool{},
	}
	return c.walk(t, t.String())
}

type typeCheck struct {
	marshalers []reflect.Type
	// jsonTags honors `json:"-"` and promotes fields of embedded structs.
	jsonTags bool
	seen     map[reflect.Type]bool
}

func (c *typeCheck) marshals(t reflect.Type) bool {
	for _, m := range c.marshalers {
		if t.Implements(m) || reflect.PointerTo(t).Implements(m) {
			return true
		}
	}
	return false
}

func (c *typeCheck) walk(t reflect.Type, path string) error {
	if c.seen[t] {
		return nil
	}
	c.seen[t] = true
	if c.marshals(t) {
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return c.walk(t.Elem(), path)
	case reflect.Map:
		return c.walk(t.Elem(), path)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Errorf("%w: %s holds a %s", ErrLossyResult, path, t)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if c.jsonTags && f.Tag.Get("json") == "-" {
				continue
			}
			fieldPath := path + "." + f.Name
			if c.jsonTags && f.Anonymous && f.Type.Kind() == reflect.Struct {
				if err := c.walk(f.Type, fieldPath); err != nil {
					return err
				}
				continue
			}
			if !f.IsExported() {
				return fmt.Errorf("%w: field %s is unexported", ErrLossyResult, fieldPath)
			}
			if err := c.walk(f.Type, fieldPath); err != nil {
				return err
			}
		}
	}
	return nil
}
