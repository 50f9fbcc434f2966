package splatfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

const (
	indexHeaderSize = 32
	indexEntrySize  = 40
)

// DType identifies a tensor element encoding. Values are stable.
type DType uint32

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF64
	DTypeI32
	DTypeU8
)

// Size returns the element size in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF64:
		return 8
	case DTypeU8:
		return 1
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF64:
		return "f64"
	case DTypeI32:
		return "i32"
	case DTypeU8:
		return "u8"
	}
	return "unknown"
}

// TensorEntry describes one tensor. DataOff is an absolute file offset.
type TensorEntry struct {
	Name     string
	DType    DType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Elements returns the product of the shape.
func (e TensorEntry) Elements() uint64 {
	n := uint64(1)
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// TensorIndex is a decoded tensor index, sorted by name.
//
// Layout of the payload (little-endian):
//
//	u32 version | u32 count | u32 dims | u32 reserved
//	u64 strings offset | u64 strings size
//	count x { u32 nameOff, u32 nameLen, u32 dtype, u32 rank,
//	          u32 dimOff, u32 reserved, u64 dataOff, u64 dataSize }
//	dims x u64
//	strings
type TensorIndex struct {
	entries []TensorEntry
}

var errBadIndex = fmt.Errorf("%w: bad tensor index", ErrCorruptFile)

// ParseTensorIndex decodes a tensor index payload.
func ParseTensorIndex(sec []byte) (*TensorIndex, error) {
	if len(sec) < indexHeaderSize {
		return nil, errBadIndex
	}
	le := binary.LittleEndian
	if v := le.Uint32(sec[0:4]); v != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index version %d", ErrUnsupportedMinor, v)
	}
	count := uint64(le.Uint32(sec[4:8]))
	ndims := uint64(le.Uint32(sec[8:12]))
	strOff := le.Uint64(sec[16:24])
	strSize := le.Uint64(sec[24:32])

	n := uint64(len(sec))
	dimsOff := uint64(indexHeaderSize) + count*indexEntrySize
	if count == 0 || dimsOff > n || dimsOff+ndims*8 > n || strOff < dimsOff+ndims*8 || strOff > n || strOff+strSize > n {
		return nil, errBadIndex
	}
	strs := sec[strOff : strOff+strSize]

	ti := &TensorIndex{entries: make([]TensorEntry, count)}
	for i := range ti.entries {
		b := sec[indexHeaderSize+i*indexEntrySize:]
		nameOff := uint64(le.Uint32(b[0:4]))
		nameLen := uint64(le.Uint32(b[4:8]))
		rank := uint64(le.Uint32(b[12:16]))
		dimOff := uint64(le.Uint32(b[16:20]))
		if nameOff+nameLen > strSize || dimOff+rank > ndims {
			return nil, errBadIndex
		}
		e := TensorEntry{
			Name:     string(strs[nameOff : nameOff+nameLen]),
			DType:    DType(le.Uint32(b[8:12])),
			Shape:    make([]uint64, rank),
			DataOff:  le.Uint64(b[24:32]),
			DataSize: le.Uint64(b[32:40]),
		}
		for d := range e.Shape {
			at := dimsOff + (dimOff+uint64(d))*8
			e.Shape[d] = le.Uint64(sec[at : at+8])
		}
		if i > 0 && ti.entries[i-1].Name >= e.Name {
			return nil, fmt.Errorf("%w: tensor names not sorted", errBadIndex)
		}
		ti.entries[i] = e
	}
	return ti, nil
}

// Len returns the number of tensors.
func (ti *TensorIndex) Len() int { return len(ti.entries) }

// Entry returns tensor i.
func (ti *TensorIndex) Entry(i int) TensorEntry { return ti.entries[i] }

// Find looks a tensor up by name.
func (ti *TensorIndex) Find(name string) (TensorEntry, bool) {
	i := sort.Search(len(ti.entries), func(i int) bool { return ti.entries[i].Name >= name })
	if i < len(ti.entries) && ti.entries[i].Name == name {
		return ti.entries[i], true
	}
	return TensorEntry{}, false
}

// Data returns a zero-copy view of a tensor payload.
func (ti *TensorIndex) Data(f *File, e TensorEntry) ([]byte, error) {
	if f == nil || f.Data == nil {
		return nil, ErrCorruptFile
	}
	end := e.DataOff + e.DataSize
	if end < e.DataOff || end > uint64(len(f.Data)) {
		return nil, fmt.Errorf("%w: tensor %q out of bounds", ErrCorruptFile, e.Name)
	}
	return f.Data[e.DataOff:end], nil
}

// EncodeTensorIndex builds a tensor index payload. Entries are sorted by name
// and names must be unique and non-empty.
func EncodeTensorIndex(entries []TensorEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errors.New("splatfile: tensor index needs at least one tensor")
	}
	sorted := make([]TensorEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var (
		dims []uint64
		strs strings.Builder
	)
	for i, e := range sorted {
		if e.Name == "" {
			return nil, errors.New("splatfile: empty tensor name")
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("splatfile: duplicate tensor %q", e.Name)
		}
		dims = append(dims, e.Shape...)
		strs.WriteString(e.Name)
	}

	dimsOff := indexHeaderSize + len(sorted)*indexEntrySize
	strOff := dimsOff + len(dims)*8
	out := make([]byte, strOff+strs.Len())

	le := binary.LittleEndian
	le.PutUint32(out[0:4], TensorIndexVersion)
	le.PutUint32(out[4:8], uint32(len(sorted)))
	le.PutUint32(out[8:12], uint32(len(dims)))
	le.PutUint64(out[16:24], uint64(strOff))
	le.PutUint64(out[24:32], uint64(strs.Len()))

	var nameOff, dimOff uint32
	for i, e := range sorted {
		b := out[indexHeaderSize+i*indexEntrySize:]
		le.PutUint32(b[0:4], nameOff)
		le.PutUint32(b[4:8], uint32(len(e.Name)))
		le.PutUint32(b[8:12], uint32(e.DType))
		le.PutUint32(b[12:16], uint32(len(e.Shape)))
		le.PutUint32(b[16:20], dimOff)
		le.PutUint64(b[24:32], e.DataOff)
		le.PutUint64(b[32:40], e.DataSize)
		nameOff += uint32(len(e.Name))
		dimOff += uint32(len(e.Shape))
	}
	for i, d := range dims {
		le.PutUint64(out[dimsOff+i*8:], d)
	}
	copy(out[strOff:], strs.String())
	return out, nil
}
