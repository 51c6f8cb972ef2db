package sandbox

import (
	"errors"
	"reflect"
	"sort"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// orderedAdapter presents JSON objects to scripts as maps whose keys iterate
// in sorted order, so comprehensions over input see the same sequence on
// every evaluation.
type orderedAdapter struct {
	types.Adapter
}

func (a orderedAdapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case map[string]any:
		return newOrderedMap(a, v)
	case []any:
		return types.NewDynamicList(a, v)
	}
	return a.Adapter.NativeToValue(value)
}

type orderedMap struct {
	traits.Mapper
	keys []string
}

func newOrderedMap(a types.Adapter, m map[string]any) orderedMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return orderedMap{Mapper: types.NewStringInterfaceMap(a, m), keys: keys}
}

func (m orderedMap) Iterator() traits.Iterator {
	return &keyIterator{keys: m.keys}
}

type keyIterator struct {
	keys []string
	next int
}

func (it *keyIterator) HasNext() ref.Val {
	return types.Bool(it.next < len(it.keys))
}

func (it *keyIterator) Next() ref.Val {
	if it.next >= len(it.keys) {
		return nil
	}
	k := it.keys[it.next]
	it.next++
	return types.String(k)
}

func (*keyIterator) ConvertToNative(reflect.Type) (any, error) {
	return nil, errors.New("type conversion on iterators not supported")
}

func (*keyIterator) ConvertToType(ref.Type) ref.Val {
	return types.NewErr("no such overload")
}

func (*keyIterator) Equal(ref.Val) ref.Val {
	return types.NewErr("no such overload")
}

func (*keyIterator) Type() ref.Type { return types.IteratorType }

func (*keyIterator) Value() any { return nil }
