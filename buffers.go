package parinvoke

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// BufferSharer is implemented by models that keep their bulk numeric data in
// flat float64 buffers. Persistence backends store the buffers out of band
// (in a shared-memory segment or the raw body of a container file) and encode
// only the remainder of the model with msgpack; the buffers should therefore be
// excluded from the model's msgpack encoding (tag them `msgpack:"-"`).
//
// *mat.Dense and *mat.VecDense are handled without implementing this interface.
type BufferSharer interface {
	// SharedBuffers returns the buffers to store out of band.
	SharedBuffers() [][]float64

	// AdoptBuffers installs buffers on a decoded model, in SharedBuffers order.
	// With the shared-memory backend they are views over the segment and must
	// not be written to.
	AdoptBuffers(bufs [][]float64) error
}

type denseHeader struct {
	Rows int `msgpack:"r"`
	Cols int `msgpack:"c"`
}

type vectorHeader struct {
	Len int `msgpack:"n"`
}

// splitModel separates a model into its msgpack header and out-of-band buffers.
func splitModel(v any) ([]byte, [][]float64, error) {
	switch m := v.(type) {
	case *mat.Dense:
		if m == nil || m.IsEmpty() {
			h, err := msgpack.Marshal(denseHeader{})
			return h, nil, err
		}
		r, c := m.Dims()
		raw := m.RawMatrix()
		data := raw.Data[:r*c]
		if raw.Stride != c {
			data = make([]float64, 0, r*c)
			for i := 0; i < r; i++ {
				data = append(data, raw.Data[i*raw.Stride:i*raw.Stride+c]...)
			}
		}
		h, err := msgpack.Marshal(denseHeader{Rows: r, Cols: c})
		return h, [][]float64{data}, err

	case *mat.VecDense:
		if m == nil || m.IsEmpty() {
			h, err := msgpack.Marshal(vectorHeader{})
			return h, nil, err
		}
		n := m.Len()
		raw := m.RawVector()
		data := raw.Data[:n]
		if raw.Inc != 1 {
			data = make([]float64, n)
			for i := range data {
				data[i] = raw.Data[i*raw.Inc]
			}
		}
		h, err := msgpack.Marshal(vectorHeader{Len: n})
		return h, [][]float64{data}, err

	case BufferSharer:
		h, err := MarshalShared(v)
		if err != nil {
			return nil, nil, err
		}
		return h, m.SharedBuffers(), nil

	default:
		h, err := MarshalShared(v)
		if err != nil {
			return nil, nil, err
		}
		// A model passed by value whose BufferSharer methods have pointer
		// receivers still keeps its buffers out of band.
		if bs := addressableSharer(v); bs != nil {
			return h, bs.SharedBuffers(), nil
		}
		return h, nil, nil
	}
}

// addressableSharer returns a BufferSharer view of a copy of v when only *V
// implements the interface.
func addressableSharer(v any) BufferSharer {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() == reflect.Pointer {
		return nil
	}
	if !reflect.PointerTo(rv.Type()).Implements(reflect.TypeFor[BufferSharer]()) {
		return nil
	}
	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	return ptr.Interface().(BufferSharer)
}

// joinModel rebuilds a model of type T from a header and its buffers.
func joinModel[T any](header []byte, bufs [][]float64) (T, error) {
	var zero T
	switch any(zero).(type) {
	case *mat.Dense:
		var h denseHeader
		if err := msgpack.Unmarshal(header, &h); err != nil {
			return zero, err
		}
		if h.Rows == 0 || h.Cols == 0 {
			return any(&mat.Dense{}).(T), nil
		}
		if len(bufs) != 1 || len(bufs[0]) != h.Rows*h.Cols {
			return zero, fmt.Errorf("matrix %dx%d does not match stored buffers", h.Rows, h.Cols)
		}
		return any(mat.NewDense(h.Rows, h.Cols, bufs[0])).(T), nil

	case *mat.VecDense:
		var h vectorHeader
		if err := msgpack.Unmarshal(header, &h); err != nil {
			return zero, err
		}
		if h.Len == 0 {
			return any(&mat.VecDense{}).(T), nil
		}
		if len(bufs) != 1 || len(bufs[0]) != h.Len {
			return zero, fmt.Errorf("vector of %d does not match stored buffers", h.Len)
		}
		return any(mat.NewVecDense(h.Len, bufs[0])).(T), nil
	}

	ptr := new(T)
	if err := UnmarshalShared(header, ptr); err != nil {
		return zero, err
	}
	if len(bufs) > 0 {
		bs, ok := any(*ptr).(BufferSharer)
		if !ok {
			bs, ok = any(ptr).(BufferSharer)
		}
		if !ok {
			return zero, fmt.Errorf("%T has stored buffers but does not implement BufferSharer", zero)
		}
		if err := bs.AdoptBuffers(bufs); err != nil {
			return zero, err
		}
	}
	return *ptr, nil
}

// float64Bytes views a float64 slice as its native-endian bytes.
func float64Bytes(f []float64) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(f))), len(f)*8)
}

// alignUp rounds n up to a multiple of 64, keeping buffers cache-line aligned.
func alignUp(n int64) int64 {
	return (n + 63) &^ 63
}
