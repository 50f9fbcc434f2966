// Package splatfile implements the splat container file.
//
// A splat file is a single, memory-mappable container holding a trained or
// in-progress splat population: a fixed header, 8-byte aligned sections and
// a trailing section directory. Tensor payloads are 64-byte aligned and
// described by a tensor index; free-form scene metadata lives in a key/value
// section. The format describes data only and never implies training
// behaviour.
package splatfile

// Format constants must never change.
const (
	// Magic is the file magic, "SPL\0".
	Magic = "SPL\x00"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	// CurrentMinor changes when optional sections or fields are added.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads start on
	// 64-byte boundaries.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

// SectionType identifies a section payload.
type SectionType uint32

const (
	SectionSceneInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionSceneInfo:
		return "scene_info"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionTensorData:
		return "tensor_data"
	}
	return "unknown"
}

// Header is the fixed-size file header. It is stored little-endian at
// offset 0.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

// Section is one entry of the section directory.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

// End returns the offset one past the section payload.
func (s *Section) End() uint64 { return s.Offset + s.Size }
