package raster

import (
	"encoding/binary"
	"math"
)

// PutSample encodes v as dt into buf using the given byte order. buf must
// hold at least dt.Size() bytes.
func PutSample(buf []byte, order binary.ByteOrder, dt DataType, v float64) {
	switch dt {
	case Uint8:
		buf[0] = uint8(v)
	case Int8:
		buf[0] = uint8(int8(v))
	case Uint16:
		order.PutUint16(buf, uint16(v))
	case Int16:
		order.PutUint16(buf, uint16(int16(v)))
	case Uint32:
		order.PutUint32(buf, uint32(v))
	case Int32:
		order.PutUint32(buf, uint32(int32(v)))
	case Float32:
		order.PutUint32(buf, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(buf, math.Float64bits(v))
	case Int64:
		order.PutUint64(buf, uint64(int64(v)))
	}
}

// Sample decodes one dt sample from buf.
func Sample(buf []byte, order binary.ByteOrder, dt DataType) float64 {
	switch dt {
	case Uint8:
		return float64(buf[0])
	case Int8:
		return float64(int8(buf[0]))
	case Uint16:
		return float64(order.Uint16(buf))
	case Int16:
		return float64(int16(order.Uint16(buf)))
	case Uint32:
		return float64(order.Uint32(buf))
	case Int32:
		return float64(int32(order.Uint32(buf)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(buf)))
	case Float64:
		return math.Float64frombits(order.Uint64(buf))
	case Int64:
		return float64(int64(order.Uint64(buf)))
	default:
		return 0
	}
}
