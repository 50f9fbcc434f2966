// Package checkpoint saves and restores splat populations. The file format
// is chosen by extension: .splat (native container), .safetensors or .ply.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samcharles93/splatter/internal/ply"
	"github.com/samcharles93/splatter/internal/safetensors"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
	"github.com/samcharles93/splatter/internal/version"
	"github.com/samcharles93/splatter/pkg/splatfile"
)

var (
	ErrUnknownFormat = errors.New("checkpoint: unknown file extension")
	ErrCorrupt       = errors.New("checkpoint: inconsistent contents")
)

// Format is a checkpoint file format.
type Format int

const (
	FormatSplat Format = iota
	FormatSafetensors
	FormatPLY
)

func (f Format) String() string {
	switch f {
	case FormatSplat:
		return "splat"
	case FormatSafetensors:
		return "safetensors"
	case FormatPLY:
		return "ply"
	}
	return "unknown"
}

// FormatOf maps a file extension to its format.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".splat":
		return FormatSplat, nil
	case ".safetensors":
		return FormatSafetensors, nil
	case ".ply":
		return FormatPLY, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// Metadata travels with a checkpoint. PLY files carry none of it.
type Metadata struct {
	Version   string
	RunID     string
	Iteration int
}

const (
	keyFormat    = "format"
	keyVersion   = "version"
	keyRunID     = "run_id"
	keyIteration = "iteration"
	keySHDegree  = "sh_degree"
	keyActiveSH  = "active_sh_degree"
	formatName   = "splatter"
)

func (m Metadata) encode(s *splat.Snapshot) map[string]string {
	v := m.Version
	if v == "" {
		v = version.String()
	}
	return map[string]string{
		keyFormat:    formatName,
		keyVersion:   v,
		keyRunID:     m.RunID,
		keyIteration: strconv.Itoa(m.Iteration),
		keySHDegree:  strconv.Itoa(s.SHDegree),
		keyActiveSH:  strconv.Itoa(s.ActiveSHDegree),
	}
}

func decodeMetadata(kv map[string]string) (Metadata, error) {
	m := Metadata{Version: kv[keyVersion], RunID: kv[keyRunID]}
	if s, ok := kv[keyIteration]; ok {
		it, err := strconv.Atoi(s)
		if err != nil {
			return m, fmt.Errorf("%w: iteration %q", ErrCorrupt, s)
		}
		m.Iteration = it
	}
	return m, nil
}

// Save writes the snapshot atomically: the data goes to a temporary file in
// the destination directory which is then renamed over path.
func Save(path string, s *splat.Snapshot, meta Metadata) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+filepath.Ext(path))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	switch format {
	case FormatSplat:
		err = saveSplat(tmpPath, s, meta)
	case FormatSafetensors:
		err = saveSafetensors(tmpPath, s, meta)
	case FormatPLY:
		err = savePLY(tmpPath, s)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return os.Rename(tmpPath, path)
}

// Load reads a checkpoint written by Save, or any PLY/safetensors file with
// the same layout.
func Load(path string) (*splat.Snapshot, Metadata, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	var (
		s    *splat.Snapshot
		meta Metadata
	)
	switch format {
	case FormatSplat:
		s, meta, err = loadSplat(path)
	case FormatSafetensors:
		s, meta, err = loadSafetensors(path)
	case FormatPLY:
		s, err = loadPLY(path)
	}
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("load %s: %w", path, err)
	}
	return s, meta, nil
}

func saveSplat(path string, s *splat.Snapshot, meta Metadata) error {
	tensors := make([]splatfile.Tensor, 0, splat.NumAttrs)
	for a := range splat.NumAttrs {
		p := s.Attr(a)
		tensors = append(tensors, splatfile.Tensor{
			Name:  a.String(),
			Shape: []uint64{uint64(p.R), uint64(splat.Width(a, s.SHDegree))},
			Data:  p.Data,
		})
	}
	return splatfile.Write(path, meta.encode(s), tensors)
}

func loadSplat(path string) (*splat.Snapshot, Metadata, error) {
	f, err := splatfile.Open(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	defer func() { _ = f.Close() }()

	kv, err := f.SceneInfo()
	if err != nil {
		return nil, Metadata{}, err
	}
	meta, err := decodeMetadata(kv)
	if err != nil {
		return nil, Metadata{}, err
	}
	s, err := assemble(kv, func(name string) ([]float32, []int, error) {
		data, shape, err := f.ReadF32(name)
		if err != nil {
			return nil, nil, err
		}
		dims := make([]int, len(shape))
		for i, d := range shape {
			dims[i] = int(d)
		}
		return data, dims, nil
	})
	return s, meta, err
}

func saveSafetensors(path string, s *splat.Snapshot, meta Metadata) error {
	tensors := make([]safetensors.Tensor, 0, splat.NumAttrs)
	for a := range splat.NumAttrs {
		p := s.Attr(a)
		tensors = append(tensors, safetensors.Tensor{
			Name:  a.String(),
			Shape: []int{p.R, splat.Width(a, s.SHDegree)},
			Data:  p.Data,
		})
	}
	return safetensors.Write(path, meta.encode(s), tensors)
}

func loadSafetensors(path string) (*splat.Snapshot, Metadata, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta, err := decodeMetadata(f.Metadata)
	if err != nil {
		return nil, Metadata{}, err
	}
	s, err := assemble(f.Metadata, func(name string) ([]float32, []int, error) {
		data, info, err := f.ReadTensorF32(name)
		return data, info.Shape, err
	})
	return s, meta, err
}

// assemble builds a snapshot from per-attribute 2D tensors. The SH degree is
// taken from the SH width; the active degree from metadata when present.
func assemble(kv map[string]string, read func(name string) ([]float32, []int, error)) (*splat.Snapshot, error) {
	s := &splat.Snapshot{}
	n := -1
	for a := range splat.NumAttrs {
		data, shape, err := read(a.String())
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: %s has rank %d", ErrCorrupt, a, len(shape))
		}
		if n < 0 {
			n = shape[0]
		}
		if shape[0] != n {
			return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrCorrupt, a, shape[0], n)
		}
		if a == splat.AttrSH {
			deg, ok := degreeForWidth(shape[1])
			if !ok {
				return nil, fmt.Errorf("%w: sh width %d", ErrCorrupt, shape[1])
			}
			s.SHDegree = deg
		}
		*s.Attr(a) = tensor.NewMatFromData(shape[0], shape[1], data)
	}
	s.ActiveSHDegree = s.SHDegree
	if v, ok := kv[keyActiveSH]; ok {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 || d > s.SHDegree {
			return nil, fmt.Errorf("%w: active sh degree %q", ErrCorrupt, v)
		}
		s.ActiveSHDegree = d
	}
	for a := range splat.NumAttrs {
		if w := splat.Width(a, s.SHDegree); s.Attr(a).C != w {
			return nil, fmt.Errorf("%w: %s width %d, want %d", ErrCorrupt, a, s.Attr(a).C, w)
		}
	}
	return s, nil
}

func degreeForWidth(w int) (int, bool) {
	for d := 0; d <= splat.MaxSHDegree; d++ {
		if splat.Width(splat.AttrSH, d) == w {
			return d, true
		}
	}
	return 0, false
}

func savePLY(path string, s *splat.Snapshot) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := ply.WriteModel(f, s); err != nil {
		return err
	}
	return f.Sync()
}

func loadPLY(path string) (*splat.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ply.ReadModel(f)
}
