package hash

import (
	"encoding/binary"

	"github.com/arvindks/gojodb/core/txn"
)

// Codec fixes the on-page wire width of a key or value type so bucket
// capacity can be computed once at index construction, mirroring the fixed
// GenericKey<N> slots the original template relied on the C++ type system
// for. Implementations must encode to and decode from exactly Size() bytes.
type Codec[T any] interface {
	Size() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Uint64Codec encodes a uint64 key in 8 bytes, little-endian.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }
func (Uint64Codec) Encode(v uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, v)
}
func (Uint64Codec) Decode(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Int32Codec encodes an int32 key in 4 bytes, little-endian.
type Int32Codec struct{}

func (Int32Codec) Size() int { return 4 }
func (Int32Codec) Encode(v int32, buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}
func (Int32Codec) Decode(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// RowIDCodec encodes a txn.RowID (the value type used when the hash index
// backs a table's primary lookup structure) in 8 bytes: a 4-byte page id
// followed by a 4-byte slot number, both little-endian.
type RowIDCodec struct{}

func (RowIDCodec) Size() int { return 8 }
func (RowIDCodec) Encode(v txn.RowID, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.PageID))
	binary.LittleEndian.PutUint32(buf[4:8], v.Slot)
}
func (RowIDCodec) Decode(buf []byte) txn.RowID {
	return txn.RowID{
		PageID: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Slot:   binary.LittleEndian.Uint32(buf[4:8]),
	}
}
