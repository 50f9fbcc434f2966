package ply

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/splatter/internal/splat"
)

func TestReadPointCloudASCII(t *testing.T) {
	t.Parallel()
	src := `ply
format ascii 1.0
comment seed points
element vertex 2
property float x
property float y
property float z
property uchar red
property uchar green
property uchar blue
element face 0
property list uchar int vertex_indices
end_header
0 1 2 255 0 51
-1.5 0.25 3 0 255 102
`
	pc, err := ReadPointCloud(strings.NewReader(src))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]float32{0, 1, 2, -1.5, 0.25, 3}, pc.Positions.Data); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 0, 0.2, 0, 1, 0.4}, pc.Colors.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("colors mismatch (-want +got):\n%s", diff)
	}
}

func TestReadPointCloudBinaryWithoutColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\nelement camera 1\nproperty int id\nelement vertex 2\nproperty double x\nproperty double y\nproperty double z\nproperty short label\nend_header\n")
	// camera element, skipped
	_ = binary.Write(&buf, binary.LittleEndian, int32(7))
	for i, p := range [][3]float64{{1, 2, 3}, {4, 5, 6}} {
		for _, v := range p {
			_ = binary.Write(&buf, binary.LittleEndian, v)
		}
		_ = binary.Write(&buf, binary.LittleEndian, int16(-i))
	}
	pc, err := ReadPointCloud(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, pc.Positions.Data); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if pc.Colors.R != 0 {
		t.Fatalf("colors rows %d, want 0", pc.Colors.R)
	}
}

func TestModelRoundTrip(t *testing.T) {
	t.Parallel()
	for _, deg := range []int{0, 1, 3} {
		b := splat.NewBatch(3, deg)
		for a := range splat.NumAttrs {
			p := b.Attr(a)
			for j := range p.Data {
				p.Data[j] = float32(j)*0.37 - float32(a) + 1e-7*float32(deg)
			}
		}
		b.SH.Data[1] = float32(math.Inf(-1))
		in := &splat.Snapshot{Batch: b, SHDegree: deg, ActiveSHDegree: deg}

		var buf bytes.Buffer
		if err := WriteModel(&buf, in); err != nil {
			t.Fatalf("degree %d: write: %v", deg, err)
		}
		out, err := ReadModel(&buf)
		if err != nil {
			t.Fatalf("degree %d: read: %v", deg, err)
		}
		if out.SHDegree != deg {
			t.Fatalf("degree %d read back as %d", deg, out.SHDegree)
		}
		for a := range splat.NumAttrs {
			if diff := cmp.Diff(in.Attr(a).Data, out.Attr(a).Data); diff != "" {
				t.Fatalf("degree %d: %s mismatch (-want +got):\n%s", deg, a, diff)
			}
		}
	}
}

func TestShFileLayout(t *testing.T) {
	t.Parallel()
	names := modelProperties(1)
	// Coefficient 1 of the green channel lands in f_rest_3 for degree 1.
	if got := names[shFileIndex(1, 1, 4)]; got != "f_rest_3" {
		t.Fatalf("sh(1, green) maps to %s, want f_rest_3", got)
	}
	if got := names[shFileIndex(0, 2, 4)]; got != "f_dc_2" {
		t.Fatalf("sh(0, blue) maps to %s, want f_dc_2", got)
	}
	if names[len(names)-1] != "rot_3" || len(names) != 6+3*4+8 {
		t.Fatalf("unexpected property list %v", names)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		src  string
		want error
	}{
		{"signature", "plyx\n", ErrMalformed},
		{"big endian", "ply\nformat binary_big_endian 1.0\nend_header\n", ErrUnsupportedFormat},
		{"no vertex", "ply\nformat ascii 1.0\nelement face 0\nend_header\n", ErrMissingProperty},
		{"no y", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float z\nend_header\n1 2\n", ErrMissingProperty},
		{"short row", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2\n", ErrMalformed},
		{"truncated binary", "ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty float x\nproperty float y\nproperty float z\nend_header\n\x00\x00", ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadPointCloud(strings.NewReader(tc.src))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReadModelRejectsOddRest(t *testing.T) {
	t.Parallel()
	src := "ply\nformat ascii 1.0\nelement vertex 0\nproperty float x\nproperty float f_rest_0\nend_header\n"
	if _, err := ReadModel(strings.NewReader(src)); !errors.Is(err, ErrMissingProperty) {
		t.Fatalf("error = %v, want ErrMissingProperty", err)
	}
}
