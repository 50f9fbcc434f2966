package splatfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeSample(t *testing.T) (string, []Tensor) {
	t.Helper()
	tensors := []Tensor{
		{Name: "means", Shape: []uint64{2, 3}, Data: []float32{1, 2, 3, -4, 5.5, 6}},
		{Name: "opacities", Shape: []uint64{2, 1}, Data: []float32{-0.25, 0.75}},
		{Name: "alpha", Shape: []uint64{3}, Data: []float32{7, 8, 9}},
	}
	path := filepath.Join(t.TempDir(), "scene.splat")
	info := map[string]string{"iteration": "1200", "run_id": "abc"}
	if err := Write(path, info, tensors); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path, tensors
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path, tensors := writeSample(t)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("aligned flag not set")
	}
	info, err := f.SceneInfo()
	if err != nil {
		t.Fatalf("scene info: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"iteration": "1200", "run_id": "abc"}, info); diff != "" {
		t.Fatalf("scene info mismatch (-want +got):\n%s", diff)
	}

	ti, err := f.Tensors()
	if err != nil {
		t.Fatalf("tensors: %v", err)
	}
	if ti.Len() != len(tensors) {
		t.Fatalf("tensor count %d, want %d", ti.Len(), len(tensors))
	}
	for i := range ti.Len() {
		if off := ti.Entry(i).DataOff; off%tensorAlign != 0 {
			t.Fatalf("tensor %q at offset %d is not %d-byte aligned", ti.Entry(i).Name, off, tensorAlign)
		}
	}
	for _, want := range tensors {
		got, shape, err := f.ReadF32(want.Name)
		if err != nil {
			t.Fatalf("read %s: %v", want.Name, err)
		}
		if diff := cmp.Diff(want.Data, got); diff != "" {
			t.Fatalf("%s data mismatch (-want +got):\n%s", want.Name, diff)
		}
		if diff := cmp.Diff(want.Shape, shape); diff != "" {
			t.Fatalf("%s shape mismatch (-want +got):\n%s", want.Name, diff)
		}
	}
	if _, _, err := f.ReadF32("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing tensor error = %v, want ErrNotFound", err)
	}
}

func TestOpenReaderAtMatchesMmap(t *testing.T) {
	t.Parallel()
	path, _ := writeSample(t)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rf, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() { _ = rf.Close() }()
	if rf.mmapped {
		t.Fatal("OpenReaderAt should not mmap")
	}
	got, _, err := rf.ReadF32("means")
	if err != nil {
		t.Fatal(err)
	}
	if got[3] != -4 {
		t.Fatalf("means[3] = %v, want -4", got[3])
	}
}

func TestOpenRejectsDamagedFiles(t *testing.T) {
	t.Parallel()
	path, _ := writeSample(t)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:6], CurrentMajor+1); return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-5] }, ErrCorruptFile},
		{"short", func(b []byte) []byte { return b[:10] }, ErrCorruptFile},
		{"directory out of range", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[16:24], uint64(len(b)))
			return b
		}, ErrCorruptFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := tc.mutate(bytes.Clone(raw))
			_, err := OpenReaderAt(bytes.NewReader(b), int64(len(b)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	t.Parallel()
	h := Header{
		Magic:            [4]byte{'S', 'P', 'L', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     3,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            1,
	}
	var raw [headerSize]byte
	if !encodeHeader(raw[:], h) {
		t.Fatal("encode header failed")
	}
	if raw[4] != 0x22 || raw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", raw[4:6])
	}
	if raw[16] != 0x08 || raw[23] != 0x01 {
		t.Fatalf("directory offset is not little-endian: %x", raw[16:24])
	}
	got, ok := decodeHeader(raw[:])
	if !ok || got != h {
		t.Fatalf("header round trip: got %+v want %+v", got, h)
	}

	s := Section{Type: 4, Version: 1, Offset: 64, Size: 0x10203}
	var sr [sectionSize]byte
	encodeSection(sr[:], s)
	if sr[16] != 0x03 || sr[18] != 0x01 {
		t.Fatalf("section size is not little-endian: %x", sr[16:24])
	}
	if ds, _ := decodeSection(sr[:]); ds != s {
		t.Fatalf("section round trip: got %+v want %+v", ds, s)
	}
}

func TestWriterRejectsMisuse(t *testing.T) {
	t.Parallel()
	f, err := os.Create(filepath.Join(t.TempDir(), "x.splat"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionSceneInfo, 1, EncodeSceneInfo(nil)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionSceneInfo, 1, nil); err == nil {
		t.Fatal("duplicate section accepted")
	}
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionTensorIndex, 1, nil); err == nil {
		t.Fatal("section written while another is open")
	}
	if err := w.Finalise(); err == nil {
		t.Fatal("finalise with open section accepted")
	}
	if err := sw.End(); err != nil {
		t.Fatal(err)
	}
	if _, err := sw.Write([]byte{1}); err == nil {
		t.Fatal("write after end accepted")
	}
	if err := w.Finalise(); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalise(); err == nil {
		t.Fatal("second finalise accepted")
	}
}

func TestTensorIndexRejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := EncodeTensorIndex([]TensorEntry{{Name: "a", DType: DTypeF32}, {Name: "a", DType: DTypeF32}})
	if err == nil {
		t.Fatal("duplicate names accepted")
	}
	if _, err := EncodeTensorIndex(nil); err == nil {
		t.Fatal("empty index accepted")
	}
}

func TestSceneInfoTruncated(t *testing.T) {
	t.Parallel()
	b := EncodeSceneInfo(map[string]string{"key": "value"})
	if _, err := ParseSceneInfo(b[:len(b)-1]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("error = %v, want ErrCorruptFile", err)
	}
}
