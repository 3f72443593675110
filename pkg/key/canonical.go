package key

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Encoding tags. Every scalar payload is length-prefixed so that adjacent
// values can never be confused with one another.
const (
	tagNil     = 'n'
	tagBool    = 'b'
	tagInt     = 'i'
	tagUint    = 'u'
	tagFloat   = 'f'
	tagComplex = 'c'
	tagString  = 's'
	tagPointer = 'p'
	tagList    = 'l'
	tagMap     = 'm'
	tagStruct  = 't'
	tagArray   = 'a'
	tagOpaque  = 'o'
)

var (
	arrayType           = reflect.TypeFor[Array]()
	binaryMarshalerType = reflect.TypeFor[encoding.BinaryMarshaler]()
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
	jsonMarshalerType   = reflect.TypeFor[json.Marshaler]()
)

func (e *encoder) encode(v reflect.Value, depth int) error {
	if depth > e.limit {
		return &DepthError{Limit: e.limit, Path: e.pathString()}
	}
	if !v.IsValid() {
		e.buf.WriteByte(tagNil)
		return nil
	}

	if handled, err := e.encodeOpaque(v); handled || err != nil {
		return err
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.writeTagged(tagBool, []byte{'1'})
		} else {
			e.writeTagged(tagBool, []byte{'0'})
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeTagged(tagInt, strconv.AppendInt(nil, v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.writeTagged(tagUint, strconv.AppendUint(nil, v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		e.writeTagged(tagFloat, strconv.AppendFloat(nil, v.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		payload := strconv.AppendFloat(nil, real(c), 'g', -1, 64)
		payload = append(payload, ',')
		payload = strconv.AppendFloat(payload, imag(c), 'g', -1, 64)
		e.writeTagged(tagComplex, payload)
	case reflect.String:
		e.writeTagged(tagString, []byte(v.String()))
	case reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteByte(tagNil)
			return nil
		}
		e.buf.WriteByte(tagPointer)
		e.push("*")
		defer e.pop()
		return e.encode(v.Elem(), depth+1)
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteByte(tagNil)
			return nil
		}
		return e.encode(v.Elem(), depth)
	case reflect.Slice, reflect.Array:
		if isNumericKind(v.Type().Elem().Kind()) {
			e.encodeNumeric(v)
			return nil
		}
		return e.encodeList(v, depth)
	case reflect.Map:
		return e.encodeMap(v, depth)
	case reflect.Struct:
		return e.encodeStruct(v, depth)
	default:
		return fmt.Errorf("%w: %s at %s", ErrUnsupportedType, v.Type(), e.pathString())
	}
	return nil
}

// encodeOpaque handles values that bring their own serialization. It
// reports false when v should be walked structurally instead.
func (e *encoder) encodeOpaque(v reflect.Value) (bool, error) {
	if v.Kind() == reflect.Interface || !v.CanInterface() {
		return false, nil
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return false, nil
	}

	t := v.Type()
	switch {
	case t.Implements(arrayType):
		arr := v.Interface().(Array)
		e.buf.WriteByte(tagArray)
		e.writeTagged('d', []byte(arr.Dtype()))
		e.writeTagged('h', formatShape(arr.Shape()))
		e.writeTagged('r', arr.RawBytes())
		return true, nil
	case t.Implements(binaryMarshalerType):
		data, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return true, fmt.Errorf("key: marshal %s at %s: %w", t, e.pathString(), err)
		}
		e.writeOpaque(t, 'B', data)
		return true, nil
	case t.Implements(textMarshalerType):
		data, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return true, fmt.Errorf("key: marshal %s at %s: %w", t, e.pathString(), err)
		}
		e.writeOpaque(t, 'T', data)
		return true, nil
	case t.Implements(jsonMarshalerType):
		data, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return true, fmt.Errorf("key: marshal %s at %s: %w", t, e.pathString(), err)
		}
		e.writeOpaque(t, 'J', data)
		return true, nil
	}
	return false, nil
}

func (e *encoder) writeOpaque(t reflect.Type, format byte, data []byte) {
	e.buf.WriteByte(tagOpaque)
	e.writeTagged(format, []byte(typeName(t)))
	e.writeTagged('r', data)
}

func (e *encoder) encodeList(v reflect.Value, depth int) error {
	n := v.Len()
	e.writeTagged(tagList, strconv.AppendInt(nil, int64(n), 10))
	e.buf.WriteByte('[')
	for i := 0; i < n; i++ {
		e.push("[" + strconv.Itoa(i) + "]")
		err := e.encode(v.Index(i), depth+1)
		e.pop()
		if err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

type mapItem struct {
	key      reflect.Value
	typeName string
	encKey   []byte
	encValue []byte
}

func (e *encoder) encodeMap(v reflect.Value, depth int) error {
	items := make([]mapItem, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		concrete := k
		if concrete.Kind() == reflect.Interface && !concrete.IsNil() {
			concrete = concrete.Elem()
		}

		e.push("{key}")
		encKey, err := e.encodeDetached(k, depth+1)
		e.pop()
		if err != nil {
			return err
		}

		e.push("{" + string(encKey) + "}")
		encValue, err := e.encodeDetached(iter.Value(), depth+1)
		e.pop()
		if err != nil {
			return err
		}

		name := "<nil>"
		if concrete.IsValid() && !(concrete.Kind() == reflect.Interface && concrete.IsNil()) {
			name = typeName(concrete.Type())
		}
		items = append(items, mapItem{key: concrete, typeName: name, encKey: encKey, encValue: encValue})
	}

	sortMapItems(items)

	e.writeTagged(tagMap, strconv.AppendInt(nil, int64(len(items)), 10))
	e.buf.WriteByte('{')
	for _, item := range items {
		e.buf.Write(item.encKey)
		e.buf.Write(item.encValue)
	}
	e.buf.WriteByte('}')
	return nil
}

// encodeDetached encodes v into a fresh buffer.
func (e *encoder) encodeDetached(v reflect.Value, depth int) ([]byte, error) {
	saved := e.buf
	e.buf = &bytes.Buffer{}
	err := e.encode(v, depth)
	out := e.buf.Bytes()
	e.buf = saved
	return out, err
}

type orderClass int

const (
	classNone orderClass = iota
	classString
	classInt
	classUint
	classFloat
)

func classOf(v reflect.Value) orderClass {
	if !v.IsValid() {
		return classNone
	}
	switch v.Kind() {
	case reflect.String:
		return classString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return classUint
	case reflect.Float32, reflect.Float64:
		return classFloat
	default:
		return classNone
	}
}

// sortMapItems orders keys by value when they are mutually orderable and by
// (type name, canonical bytes) otherwise.
func sortMapItems(items []mapItem) {
	if len(items) < 2 {
		return
	}

	class := classOf(items[0].key)
	for _, item := range items[1:] {
		if classOf(item.key) != class {
			class = classNone
			break
		}
	}

	var less func(a, b mapItem) bool
	switch class {
	case classString:
		less = func(a, b mapItem) bool { return a.key.String() < b.key.String() }
	case classInt:
		less = func(a, b mapItem) bool { return a.key.Int() < b.key.Int() }
	case classUint:
		less = func(a, b mapItem) bool { return a.key.Uint() < b.key.Uint() }
	case classFloat:
		less = func(a, b mapItem) bool { return a.key.Float() < b.key.Float() }
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if less != nil {
			if less(a, b) {
				return true
			}
			if less(b, a) {
				return false
			}
		}
		if a.typeName != b.typeName {
			return a.typeName < b.typeName
		}
		return bytes.Compare(a.encKey, b.encKey) < 0
	})
}

type fieldInfo struct {
	name  string
	index int
}

var structFieldsCache sync.Map // map[reflect.Type][]fieldInfo

// structFields returns the fields of t not tagged `memo:"-"`, sorted by
// name. Unexported fields are included; their values are read through
// reflection without calling any of their methods.
func structFields(t reflect.Type) []fieldInfo {
	if cached, ok := structFieldsCache.Load(t); ok {
		return cached.([]fieldInfo)
	}

	fields := make([]fieldInfo, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Name
		if tag, ok := f.Tag.Lookup("memo"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields = append(fields, fieldInfo{name: name, index: i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	structFieldsCache.Store(t, fields)
	return fields
}

func (e *encoder) encodeStruct(v reflect.Value, depth int) error {
	fields := structFields(v.Type())
	e.writeTagged(tagStruct, []byte(typeName(v.Type())))
	e.buf.WriteByte('{')
	for _, f := range fields {
		e.writeTagged('k', []byte(f.name))
		e.push("." + f.name)
		err := e.encode(v.Field(f.index), depth+1)
		e.pop()
		if err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

// encodeNumeric writes dtype, shape and the little-endian element buffer.
// Platform-sized int and uint are widened to 64 bits.
func (e *encoder) encodeNumeric(v reflect.Value) {
	elem := v.Type().Elem()
	n := v.Len()

	raw := make([]byte, 0, n*int(elem.Size()))
	for i := 0; i < n; i++ {
		raw = appendNumber(raw, v.Index(i))
	}

	e.buf.WriteByte(tagArray)
	e.writeTagged('d', []byte(elem.Kind().String()))
	e.writeTagged('h', formatShape([]int{n}))
	e.writeTagged('r', raw)
}

func appendNumber(b []byte, v reflect.Value) []byte {
	le := binary.LittleEndian
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(b, 1)
		}
		return append(b, 0)
	case reflect.Int8:
		return append(b, byte(v.Int()))
	case reflect.Uint8:
		return append(b, byte(v.Uint()))
	case reflect.Int16:
		return le.AppendUint16(b, uint16(v.Int()))
	case reflect.Uint16:
		return le.AppendUint16(b, uint16(v.Uint()))
	case reflect.Int32:
		return le.AppendUint32(b, uint32(v.Int()))
	case reflect.Uint32:
		return le.AppendUint32(b, uint32(v.Uint()))
	case reflect.Int, reflect.Int64:
		return le.AppendUint64(b, uint64(v.Int()))
	case reflect.Uint, reflect.Uint64:
		return le.AppendUint64(b, v.Uint())
	case reflect.Float32:
		return le.AppendUint32(b, math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return le.AppendUint64(b, math.Float64bits(v.Float()))
	case reflect.Complex64:
		c := v.Complex()
		b = le.AppendUint32(b, math.Float32bits(float32(real(c))))
		return le.AppendUint32(b, math.Float32bits(float32(imag(c))))
	case reflect.Complex128:
		c := v.Complex()
		b = le.AppendUint64(b, math.Float64bits(real(c)))
		return le.AppendUint64(b, math.Float64bits(imag(c)))
	}
	return b
}

func formatShape(shape []int) []byte {
	out := make([]byte, 0, 4*len(shape))
	for i, dim := range shape {
		if i > 0 {
			out = append(out, 'x')
		}
		out = strconv.AppendInt(out, int64(dim), 10)
	}
	return out
}

func typeName(t reflect.Type) string {
	if t.PkgPath() != "" && t.Name() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func (e *encoder) writeTagged(tag byte, payload []byte) {
	e.buf.WriteByte(tag)
	e.buf.WriteString(strconv.Itoa(len(payload)))
	e.buf.WriteByte(':')
	e.buf.Write(payload)
}
