// Package gguf reads the header, metadata and tensor directory of GGUF model
// files without loading any weights. It is used to reject bad model files
// before they reach the native loader and to describe models on the CLI.
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const magicGGUF = "GGUF"

// MaxArrayValues bounds how many elements of an array value are retained.
// Longer arrays (vocabularies, merges) keep only their length.
const MaxArrayValues = 64

var (
	ErrNotGGUF            = errors.New("not a GGUF file")
	ErrUnsupportedVersion = errors.New("unsupported GGUF version")
)

type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

var valueTypeNames = [...]string{"u8", "i8", "u16", "i16", "u32", "i32", "f32", "bool", "string", "array", "u64", "i64", "f64"}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ArrayValue holds at most MaxArrayValues leading elements; Len is the full size.
type ArrayValue struct {
	ElemType ValueType
	Len      uint64
	Values   []any
}

// Truncated reports whether Values holds fewer than Len elements.
func (a ArrayValue) Truncated() bool { return uint64(len(a.Values)) < a.Len }

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorType uint32

var tensorTypeNames = map[TensorType]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1", 6: "Q5_0", 7: "Q5_1", 8: "Q8_0", 9: "Q8_1",
	10: "Q2_K", 11: "Q3_K", 12: "Q4_K", 13: "Q5_K", 14: "Q6_K", 15: "Q8_K",
	16: "IQ2_XXS", 17: "IQ2_XS", 18: "IQ3_XXS", 19: "IQ1_S", 20: "IQ4_NL", 21: "IQ3_S",
	22: "IQ2_S", 23: "IQ4_XS", 24: "I8", 25: "I16", 26: "I32", 27: "I64", 28: "F64",
	29: "IQ1_M", 30: "BF16",
}

func (t TensorType) String() string {
	if s, ok := tensorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the product of the tensor dimensions.
func (t TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Metadata is everything in a GGUF file before the tensor data section.
type Metadata struct {
	Path    string
	Size    int64
	Header  Header
	KV      map[string]Value
	Tensors []TensorInfo
}

// Probe parses the metadata of the file at path.
func Probe(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	size := st.Size()

	var src io.Reader = f
	if data, unmap, err := mapFile(f, size); err == nil {
		defer unmap()
		src = bytes.NewReader(data)
	}

	md, err := parse(newDecoder(src, size))
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}
	md.Path = path
	md.Size = size
	return md, nil
}

// Validate checks that path looks like a loadable GGUF file.
func Validate(path string) error {
	_, err := Probe(path)
	return err
}

func parse(d *decoder) (*Metadata, error) {
	if magic := d.next(4); d.err != nil {
		return nil, ErrNotGGUF
	} else if string(magic) != magicGGUF {
		return nil, fmt.Errorf("%w: magic %q", ErrNotGGUF, string(magic))
	}

	h := Header{Version: d.u32()}
	if d.err == nil && (h.Version < 2 || h.Version > 3) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	h.TensorCount, h.KVCount = d.u64(), d.u64()
	if d.err != nil {
		return nil, fmt.Errorf("read header: %w", d.err)
	}
	if d.size > 0 && (h.KVCount > uint64(d.size) || h.TensorCount > uint64(d.size)) {
		return nil, fmt.Errorf("implausible counts: %d kv, %d tensors", h.KVCount, h.TensorCount)
	}

	md := &Metadata{
		Header:  h,
		KV:      make(map[string]Value, h.KVCount),
		Tensors: make([]TensorInfo, 0, h.TensorCount),
	}
	for i := range h.KVCount {
		key := d.str()
		vt := ValueType(d.u32())
		val := d.value(vt)
		if d.err != nil {
			return nil, fmt.Errorf("metadata entry %d %q: %w", i, key, d.err)
		}
		md.KV[key] = Value{Type: vt, Value: val}
	}

	for i := range h.TensorCount {
		t := TensorInfo{Name: d.str()}
		if n := d.u32(); n > 8 {
			d.fail(fmt.Errorf("%d dims", n))
		} else if d.err == nil {
			t.Dims = make([]uint64, n)
			for k := range t.Dims {
				t.Dims[k] = d.u64()
			}
		}
		t.Type = TensorType(d.u32())
		t.Offset = d.u64()
		if d.err != nil {
			return nil, fmt.Errorf("tensor %d %q: %w", i, t.Name, d.err)
		}
		md.Tensors = append(md.Tensors, t)
	}
	return md, nil
}

// value decodes a metadata value. Arrays keep at most MaxArrayValues
// elements and skip the rest.
func (d *decoder) value(vt ValueType) any {
	if _, ok := fixedSizes[vt]; ok {
		return d.scalar(vt)
	}
	switch vt {
	case TypeString:
		return d.str()
	case TypeArray:
		arr := ArrayValue{ElemType: ValueType(d.u32()), Len: d.u64()}
		switch {
		case d.err != nil:
			return nil
		case arr.ElemType == TypeArray:
			d.fail(errors.New("nested arrays are not supported"))
			return nil
		case d.size > 0 && arr.Len > uint64(d.size):
			d.fail(fmt.Errorf("array length too large: %d", arr.Len))
			return nil
		}
		arr.Values = make([]any, 0, min(arr.Len, MaxArrayValues))
		for i := uint64(0); i < arr.Len && d.err == nil; i++ {
			if i < MaxArrayValues {
				arr.Values = append(arr.Values, d.value(arr.ElemType))
			} else {
				d.skipValue(arr.ElemType)
			}
		}
		return arr
	default:
		d.fail(fmt.Errorf("unsupported value type %d", uint32(vt)))
		return nil
	}
}

func (d *decoder) skipValue(vt ValueType) {
	if n, ok := fixedSizes[vt]; ok {
		d.discard(int64(n))
		return
	}
	if vt == TypeString {
		d.discard(int64(d.u64()))
		return
	}
	d.fail(fmt.Errorf("cannot skip value type %s", vt))
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8, int16, int32, int64:
		i, _ := asInt64(t)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	default:
		return 0, false
	}
}
