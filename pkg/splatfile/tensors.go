package splatfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Tensor is an f32 tensor to be stored in a splat file.
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
}

// Write creates path and stores info and tensors in it. Each tensor payload
// starts on a 64-byte boundary.
func Write(path string, info map[string]string, tensors []Tensor) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	w.AddFlags(FlagTensorDataAligned64)

	if err := w.WriteSection(SectionSceneInfo, SceneInfoVersion, EncodeSceneInfo(info)); err != nil {
		return err
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return err
	}
	entries := make([]TensorEntry, 0, len(tensors))
	var buf []byte
	for _, t := range tensors {
		e := TensorEntry{Name: t.Name, DType: DTypeF32, Shape: t.Shape}
		if got := e.Elements(); got != uint64(len(t.Data)) {
			return fmt.Errorf("splatfile: tensor %q has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		if err := sw.Align(tensorAlign); err != nil {
			return err
		}
		if e.DataOff, err = sw.Offset(); err != nil {
			return err
		}
		buf = buf[:0]
		for _, v := range t.Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := sw.Write(buf); err != nil {
			return err
		}
		e.DataSize = uint64(len(buf))
		entries = append(entries, e)
	}
	if err := sw.End(); err != nil {
		return err
	}

	index, err := EncodeTensorIndex(entries)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, index); err != nil {
		return err
	}
	return w.Finalise()
}

// SceneInfo decodes the scene info section. A file without one yields an
// empty map.
func (f *File) SceneInfo() (map[string]string, error) {
	s := f.Section(SectionSceneInfo)
	if s == nil {
		return map[string]string{}, nil
	}
	if s.Version != SceneInfoVersion {
		return nil, fmt.Errorf("%w: scene info version %d", ErrUnsupportedMinor, s.Version)
	}
	return ParseSceneInfo(f.SectionData(s))
}

// Tensors decodes the tensor index.
func (f *File) Tensors() (*TensorIndex, error) {
	s := f.Section(SectionTensorIndex)
	if s == nil {
		return nil, fmt.Errorf("%w: tensor index section", ErrNotFound)
	}
	return ParseTensorIndex(f.SectionData(s))
}

// ReadF32 copies the named f32 tensor out of the file. The result stays valid
// after Close.
func (f *File) ReadF32(name string) ([]float32, []uint64, error) {
	ti, err := f.Tensors()
	if err != nil {
		return nil, nil, err
	}
	e, ok := ti.Find(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: tensor %q", ErrNotFound, name)
	}
	if e.DType != DTypeF32 {
		return nil, nil, fmt.Errorf("splatfile: tensor %q is %s, want f32", name, e.DType)
	}
	if e.DataSize != e.Elements()*4 {
		return nil, nil, fmt.Errorf("%w: tensor %q size %d does not match shape %v", ErrCorruptFile, name, e.DataSize, e.Shape)
	}
	raw, err := ti.Data(f, e)
	if err != nil {
		return nil, nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, e.Shape, nil
}
