package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes v as len(v)*4 bytes of native-endian float32, no header.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a blob produced by EncodeVector. A length that
// is not a multiple of 4, or of dim when dim > 0, is reported as ErrCorrupt.
func DecodeVector(b []byte, dim int) ([]float32, error) {
	return DecodeVectorInto(nil, b, dim)
}

// DecodeVectorInto decodes b into buf, growing it only when needed.
func DecodeVectorInto(buf []float32, b []byte, dim int) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: byte length %d is not a multiple of 4", ErrCorrupt, len(b))
	}
	n := len(b) / 4
	if dim > 0 && n%dim != 0 {
		return nil, fmt.Errorf("%w: %d floats is not a multiple of dimension %d", ErrCorrupt, n, dim)
	}
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.NativeEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
