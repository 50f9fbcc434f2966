package ply

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
)

// ReadPointCloud reads x, y, z and, when present, red, green, blue from the
// vertex element. Integer colours are scaled from [0, 255].
func ReadPointCloud(r io.Reader) (splat.PointCloud, error) {
	t, err := ReadVertices(r)
	if err != nil {
		return splat.PointCloud{}, err
	}
	pos, err := t.require("x", "y", "z")
	if err != nil {
		return splat.PointCloud{}, err
	}
	pc := splat.PointCloud{Positions: tensor.NewMat(t.Len, 3)}
	for i := range t.Len {
		row := pc.Positions.Row(i)
		row[0], row[1], row[2] = pos[0][i], pos[1][i], pos[2][i]
	}
	if !t.Has("red", "green", "blue") {
		pc.Colors = tensor.NewMat(0, 3)
		return pc, nil
	}
	rgb, _ := t.require("red", "green", "blue")
	scale := float32(1)
	for _, c := range rgb {
		for _, v := range c {
			if v > 1 {
				scale = 1.0 / 255
			}
		}
	}
	pc.Colors = tensor.NewMat(t.Len, 3)
	for i := range t.Len {
		row := pc.Colors.Row(i)
		for c := range 3 {
			row[c] = min(max(rgb[c][i]*scale, 0), 1)
		}
	}
	return pc, nil
}

func shDegreeForRest(rest int) (int, bool) {
	for d := 0; d <= splat.MaxSHDegree; d++ {
		if 3*(splat.NumSHCoeffs(d)-1) == rest {
			return d, true
		}
	}
	return 0, false
}

// ReadModel reads a trained splat model. The SH degree is inferred from the
// number of f_rest_* properties, and all bands are active.
func ReadModel(r io.Reader) (*splat.Snapshot, error) {
	t, err := ReadVertices(r)
	if err != nil {
		return nil, err
	}
	rest := 0
	for t.Has("f_rest_" + strconv.Itoa(rest)) {
		rest++
	}
	deg, ok := shDegreeForRest(rest)
	if !ok {
		return nil, fmt.Errorf("%w: %d f_rest properties do not form an SH degree", ErrMissingProperty, rest)
	}

	names := modelProperties(deg)
	cols, err := t.require(names...)
	if err != nil {
		return nil, err
	}
	b := splat.NewBatch(t.Len, deg)
	for i := range t.Len {
		scatterRow(&b, i, deg, func(k int) float32 { return cols[k][i] })
	}
	return &splat.Snapshot{Batch: b, SHDegree: deg, ActiveSHDegree: deg}, nil
}

// WriteModel writes a binary little-endian PLY with the property layout used
// by 3D Gaussian splatting viewers. Normals are written as zero.
func WriteModel(w io.Writer, s *splat.Snapshot) error {
	deg := s.SHDegree
	names := modelProperties(deg)
	n := s.Len()

	bw := bufio.NewWriterSize(w, 1<<16)
	var hdr strings.Builder
	hdr.WriteString("ply\nformat binary_little_endian 1.0\ncomment splatter\n")
	fmt.Fprintf(&hdr, "element vertex %d\n", n)
	for _, name := range names {
		fmt.Fprintf(&hdr, "property float %s\n", name)
	}
	hdr.WriteString("end_header\n")
	if _, err := bw.WriteString(hdr.String()); err != nil {
		return err
	}

	vals := make([]float32, len(names))
	row := make([]byte, 0, 4*len(names))
	for i := range n {
		gatherRow(&s.Batch, i, deg, vals)
		row = row[:0]
		for _, v := range vals {
			row = binary.LittleEndian.AppendUint32(row, math.Float32bits(v))
		}
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// modelProperties lists the per-vertex properties in file order:
// position, normal, SH DC, SH rest (channel-major), opacity, scale, rotation.
func modelProperties(deg int) []string {
	rest := 3 * (splat.NumSHCoeffs(deg) - 1)
	names := []string{"x", "y", "z", "nx", "ny", "nz", "f_dc_0", "f_dc_1", "f_dc_2"}
	for j := range rest {
		names = append(names, "f_rest_"+strconv.Itoa(j))
	}
	names = append(names, "opacity", "scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3")
	return names
}

// The model stores SH coefficient-major (k*3+c); the file stores the DC term
// per channel then the remaining bands channel-major (c*(K-1)+k-1).
func shFileIndex(k, c, coeffs int) int {
	if k == 0 {
		return 6 + c
	}
	return 9 + c*(coeffs-1) + (k - 1)
}

func gatherRow(b *splat.Batch, i, deg int, out []float32) {
	coeffs := splat.NumSHCoeffs(deg)
	copy(out[0:3], b.Means.Row(i))
	out[3], out[4], out[5] = 0, 0, 0
	sh := b.SH.Row(i)
	for k := range coeffs {
		for c := range 3 {
			out[shFileIndex(k, c, coeffs)] = sh[k*3+c]
		}
	}
	tail := 6 + 3*coeffs
	out[tail] = b.Opacities.Data[i]
	copy(out[tail+1:tail+4], b.Scales.Row(i))
	copy(out[tail+4:tail+8], b.Rotations.Row(i))
}

func scatterRow(b *splat.Batch, i, deg int, val func(int) float32) {
	coeffs := splat.NumSHCoeffs(deg)
	m := b.Means.Row(i)
	for c := range 3 {
		m[c] = val(c)
	}
	sh := b.SH.Row(i)
	for k := range coeffs {
		for c := range 3 {
			sh[k*3+c] = val(shFileIndex(k, c, coeffs))
		}
	}
	tail := 6 + 3*coeffs
	b.Opacities.Data[i] = val(tail)
	s := b.Scales.Row(i)
	for c := range 3 {
		s[c] = val(tail + 1 + c)
	}
	q := b.Rotations.Row(i)
	for c := range 4 {
		q[c] = val(tail + 4 + c)
	}
}
