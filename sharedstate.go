package parinvoke

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// SharedRepresentable is implemented by models that send a reduced state when
// they are persisted for sharing, typically dropping fields that are cheap to
// derive but expensive to ship (a cached transpose, an index).
//
// The map keys are msgpack field names of the model's struct (the Go field name
// unless a msgpack tag renames it). On the receiving side the map is decoded into
// a zero value of the model type, so omitted fields stay zero.
type SharedRepresentable interface {
	SharedState() map[string]any
}

// SharedStateRestorer is implemented by models that need to rebuild derived
// fields after a shared decode. It is called once the reduced state is applied.
type SharedStateRestorer interface {
	RestoreSharedState() error
}

// MarshalShared encodes v for cross-process sharing: its SharedState when it
// declares one, its full msgpack encoding otherwise.
func MarshalShared(v any) ([]byte, error) {
	if sr, ok := v.(SharedRepresentable); ok && !isNilPointer(v) {
		return msgpack.Marshal(sr.SharedState())
	}
	return msgpack.Marshal(v)
}

// UnmarshalShared decodes data produced by MarshalShared into the value pointed
// to by v, then lets the value restore derived state.
func UnmarshalShared(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return err
	}
	if r := restorerOf(v); r != nil {
		return r.RestoreSharedState()
	}
	return nil
}

// restorerOf finds a SharedStateRestorer on ptr or, for pointer-typed models,
// on the pointer it holds.
func restorerOf(ptr any) SharedStateRestorer {
	if r, ok := ptr.(SharedStateRestorer); ok {
		return r
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Pointer && !elem.IsNil() {
		if r, ok := elem.Interface().(SharedStateRestorer); ok {
			return r
		}
	}
	return nil
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
