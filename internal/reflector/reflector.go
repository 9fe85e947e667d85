// Package reflector derives stable type names for event routing.
// Lookups are cached; reflection runs once per concrete type.
package reflector

import (
	"reflect"
	"sync"
)

type TypeInfo struct {
	Name string
	Type reflect.Type
}

var (
	mu    sync.RWMutex
	cache = map[reflect.Type]TypeInfo{}
)

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	mu.RLock()
	ti, ok := cache[t]
	mu.RUnlock()
	if ok {
		return ti
	}

	e := t
	for e.Kind() == reflect.Pointer {
		e = e.Elem()
	}

	ti = TypeInfo{
		Name: e.PkgPath() + "." + e.Name(),
		Type: e,
	}

	mu.Lock()
	cache[t] = ti
	mu.Unlock()
	return ti
}
