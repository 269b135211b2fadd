package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

var fixedSizes = map[ValueType]int{
	TypeUint8: 1, TypeInt8: 1, TypeBool: 1,
	TypeUint16: 2, TypeInt16: 2,
	TypeUint32: 4, TypeInt32: 4, TypeFloat32: 4,
	TypeUint64: 8, TypeInt64: 8, TypeFloat64: 8,
}

// decoder walks the metadata section. The first error sticks: every later
// read returns a zero value, so callers check err once per record.
type decoder struct {
	br      *bufio.Reader
	off     int64
	size    int64
	err     error
	scratch [8]byte
}

func newDecoder(rd io.Reader, size int64) *decoder {
	return &decoder{br: bufio.NewReader(rd), size: size}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// next returns the following n bytes. Slices of up to eight bytes alias the
// scratch buffer and are only valid until the next read.
func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || (d.size > 0 && d.off+int64(n) > d.size) {
		d.fail(io.ErrUnexpectedEOF)
		return nil
	}
	var p []byte
	if n <= len(d.scratch) {
		p = d.scratch[:n]
	} else {
		p = make([]byte, n)
	}
	if _, err := io.ReadFull(d.br, p); err != nil {
		d.fail(err)
		return nil
	}
	d.off += int64(n)
	return p
}

func (d *decoder) u32() uint32 {
	if p := d.next(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.next(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

// str reads a length-prefixed string.
func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil || n == 0 {
		return ""
	}
	if d.size > 0 && n > uint64(d.size) {
		d.fail(fmt.Errorf("string length too large: %d", n))
		return ""
	}
	return string(d.next(int(n)))
}

// scalar decodes one fixed-width value.
func (d *decoder) scalar(vt ValueType) any {
	p := d.next(fixedSizes[vt])
	if p == nil {
		return nil
	}
	le := binary.LittleEndian
	switch vt {
	case TypeUint8:
		return p[0]
	case TypeInt8:
		return int8(p[0])
	case TypeBool:
		return p[0] != 0
	case TypeUint16:
		return le.Uint16(p)
	case TypeInt16:
		return int16(le.Uint16(p))
	case TypeUint32:
		return le.Uint32(p)
	case TypeInt32:
		return int32(le.Uint32(p))
	case TypeFloat32:
		return math.Float32frombits(le.Uint32(p))
	case TypeUint64:
		return le.Uint64(p)
	case TypeInt64:
		return int64(le.Uint64(p))
	case TypeFloat64:
		return math.Float64frombits(le.Uint64(p))
	}
	return nil
}

// discard skips n bytes without buffering them.
func (d *decoder) discard(n int64) {
	if d.err != nil {
		return
	}
	if n < 0 || (d.size > 0 && d.off+n > d.size) {
		d.fail(io.ErrUnexpectedEOF)
		return
	}
	for n > 0 {
		got, err := d.br.Discard(int(min(n, 1<<20)))
		d.off += int64(got)
		n -= int64(got)
		if err != nil {
			d.fail(err)
			return
		}
	}
}
