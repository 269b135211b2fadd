package gguf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetArray(t *testing.T) {
	kv := map[string]Value{
		"strings": {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Len: 3, Values: []any{"a", "b", "c"}}},
		"ints":    {Type: TypeArray, Value: ArrayValue{ElemType: TypeInt32, Len: 3, Values: []any{int32(1), int32(2), int32(3)}}},
		"mixed":   {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Len: 2, Values: []any{"a", 1}}},
		"scalar":  {Type: TypeString, Value: "hello"},
	}

	strs, ok := GetArray[string](kv, "strings")
	if !ok {
		t.Fatalf("expected ok for strings")
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, strs); diff != "" {
		t.Fatalf("strings (-want +got):\n%s", diff)
	}

	ints, ok := GetArray[int32](kv, "ints")
	if !ok {
		t.Fatalf("expected ok for ints")
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, ints); diff != "" {
		t.Fatalf("ints (-want +got):\n%s", diff)
	}

	for _, key := range []string{"mixed", "scalar", "missing"} {
		if _, ok := GetArray[string](kv, key); ok {
			t.Fatalf("expected !ok for %s", key)
		}
	}
	if _, ok := GetArray[int32](kv, "strings"); ok {
		t.Fatalf("expected !ok for element type mismatch")
	}
}

func TestScalarGetters(t *testing.T) {
	kv := map[string]Value{
		"u":   {Type: TypeUint32, Value: uint32(7)},
		"neg": {Type: TypeInt32, Value: int32(-2)},
		"s":   {Type: TypeString, Value: "x"},
	}
	if v, ok := GetUint64(kv, "u"); !ok || v != 7 {
		t.Fatalf("GetUint64(u) = %d, %v", v, ok)
	}
	if _, ok := GetUint64(kv, "neg"); ok {
		t.Fatalf("negative value should not convert to uint64")
	}
	if v, ok := GetInt64(kv, "neg"); !ok || v != -2 {
		t.Fatalf("GetInt64(neg) = %d, %v", v, ok)
	}
	if _, ok := GetString(kv, "u"); ok {
		t.Fatalf("GetString on uint should fail")
	}
}

func TestValueFormat(t *testing.T) {
	long := Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Len: 32000, Values: []any{"<unk>"}}}
	if got := long.Format(); got != "[string x 32000]" {
		t.Fatalf("Format() = %q", got)
	}
	short := Value{Type: TypeArray, Value: ArrayValue{ElemType: TypeInt32, Len: 2, Values: []any{int32(1), int32(2)}}}
	if got := short.Format(); got != "[1 2]" {
		t.Fatalf("Format() = %q", got)
	}
	if got := (Value{Type: TypeUint32, Value: uint32(4096)}).Format(); got != "4096" {
		t.Fatalf("Format() = %q", got)
	}
}
