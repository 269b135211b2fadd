package gguf

import (
	"fmt"
	"slices"
)

func GetString(kv map[string]Value, key string) (string, bool) {
	v, ok := kv[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func GetUint64(kv map[string]Value, key string) (uint64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

func GetInt64(kv map[string]Value, key string) (int64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asInt64(v.Value)
}

// GetArray returns the retained elements of an array value as []T.
// It fails if any element is not a T.
func GetArray[T any](kv map[string]Value, key string) ([]T, bool) {
	v, ok := kv[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}

	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		tItem, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, tItem)
	}
	return out, true
}

// Architecture returns general.architecture, e.g. "llama".
func (m *Metadata) Architecture() string {
	s, _ := GetString(m.KV, "general.architecture")
	return s
}

// Name returns general.name.
func (m *Metadata) Name() string {
	s, _ := GetString(m.KV, "general.name")
	return s
}

// ContextLength returns the trained context length, or 0 when absent.
func (m *Metadata) ContextLength() uint64 {
	arch := m.Architecture()
	if arch == "" {
		return 0
	}
	n, _ := GetUint64(m.KV, arch+".context_length")
	return n
}

// VocabSize returns the tokenizer vocabulary length, or 0 when absent.
func (m *Metadata) VocabSize() uint64 {
	v, ok := m.KV["tokenizer.ggml.tokens"]
	if !ok {
		return 0
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return 0
	}
	return arr.Len
}

// Parameters sums the element counts of all tensors.
func (m *Metadata) Parameters() uint64 {
	var n uint64
	for _, t := range m.Tensors {
		n += t.Elements()
	}
	return n
}

// Keys returns the metadata keys in sorted order.
func (m *Metadata) Keys() []string {
	keys := make([]string, 0, len(m.KV))
	for k := range m.KV {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Format renders a value for display.
func (v Value) Format() string {
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return fmt.Sprint(v.Value)
	}
	if arr.Truncated() {
		return fmt.Sprintf("[%s x %d]", arr.ElemType, arr.Len)
	}
	return fmt.Sprint(arr.Values)
}
