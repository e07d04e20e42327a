package wire

import (
	"encoding/binary"
	"time"
)

// Buffer is a growable pack/unpack buffer. All integers are big-endian
// fixed width; strings and byte slices are length-prefixed; arrays carry a
// leading element count. Unpacking never reads past the end: every getter
// returns ErrReadTooShort once the remaining bytes cannot satisfy it.
type Buffer struct {
	data []byte
	off  int
	err  error
}

// NewBuffer returns an empty pack buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, 0, 256)}
}

// NewBufferFrom returns an unpack buffer over b.
func NewBufferFrom(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the packed contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of packed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.off }

// Err returns the first unpack error, if any.
func (b *Buffer) Err() error { return b.err }

func (b *Buffer) need(n int) bool {
	if b.err != nil {
		return false
	}
	if b.off+n > len(b.data) {
		b.err = ErrReadTooShort
		return false
	}
	return true
}

func (b *Buffer) PutU8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Buffer) PutU16(v uint16) {
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

func (b *Buffer) PutU32(v uint32) {
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

func (b *Buffer) PutU64(v uint64) {
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutU8(1)
	} else {
		b.PutU8(0)
	}
}

// PutTime packs a time as unix seconds; the zero time packs as 0.
func (b *Buffer) PutTime(t time.Time) {
	if t.IsZero() {
		b.PutU64(0)
		return
	}
	b.PutU64(uint64(t.Unix()))
}

// PutBytes packs a u32 length prefix followed by the bytes.
func (b *Buffer) PutBytes(v []byte) {
	b.PutU32(uint32(len(v)))
	b.data = append(b.data, v...)
}

// PutString packs a u32 length prefix followed by the string bytes.
func (b *Buffer) PutString(s string) {
	b.PutU32(uint32(len(s)))
	b.data = append(b.data, s...)
}

// PutStrings packs a u32 count followed by each string.
func (b *Buffer) PutStrings(ss []string) {
	b.PutU32(uint32(len(ss)))
	for _, s := range ss {
		b.PutString(s)
	}
}

// PutU16s packs a u16 count followed by each element.
func (b *Buffer) PutU16s(vs []uint16) {
	b.PutU16(uint16(len(vs)))
	for _, v := range vs {
		b.PutU16(v)
	}
}

// PutU32s packs a u32 count followed by each element.
func (b *Buffer) PutU32s(vs []uint32) {
	b.PutU32(uint32(len(vs)))
	for _, v := range vs {
		b.PutU32(v)
	}
}

// Raw appends bytes with no length prefix.
func (b *Buffer) Raw(v []byte) {
	b.data = append(b.data, v...)
}

func (b *Buffer) GetU8() uint8 {
	if !b.need(1) {
		return 0
	}
	v := b.data[b.off]
	b.off++
	return v
}

func (b *Buffer) GetU16() uint16 {
	if !b.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(b.data[b.off:])
	b.off += 2
	return v
}

func (b *Buffer) GetU32() uint32 {
	if !b.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(b.data[b.off:])
	b.off += 4
	return v
}

func (b *Buffer) GetU64() uint64 {
	if !b.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(b.data[b.off:])
	b.off += 8
	return v
}

func (b *Buffer) GetBool() bool {
	return b.GetU8() != 0
}

func (b *Buffer) GetTime() time.Time {
	v := b.GetU64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func (b *Buffer) GetBytes() []byte {
	n := int(b.GetU32())
	if n == 0 || !b.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, b.data[b.off:b.off+n])
	b.off += n
	return v
}

func (b *Buffer) GetString() string {
	n := int(b.GetU32())
	if !b.need(n) {
		return ""
	}
	v := string(b.data[b.off : b.off+n])
	b.off += n
	return v
}

func (b *Buffer) GetStrings() []string {
	n := int(b.GetU32())
	if b.err != nil || n == 0 {
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, b.GetString())
		if b.err != nil {
			return nil
		}
	}
	return ss
}

func (b *Buffer) GetU16s() []uint16 {
	n := int(b.GetU16())
	if b.err != nil || n == 0 {
		return nil
	}
	vs := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		vs = append(vs, b.GetU16())
		if b.err != nil {
			return nil
		}
	}
	return vs
}

func (b *Buffer) GetU32s() []uint32 {
	n := int(b.GetU32())
	if b.err != nil || n == 0 {
		return nil
	}
	vs := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		vs = append(vs, b.GetU32())
		if b.err != nil {
			return nil
		}
	}
	return vs
}

// GetRaw consumes exactly n bytes with no length prefix.
func (b *Buffer) GetRaw(n int) []byte {
	if !b.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, b.data[b.off:b.off+n])
	b.off += n
	return v
}
