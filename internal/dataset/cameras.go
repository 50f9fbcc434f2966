package dataset

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/render"
)

// CameraEntry is one element of a cameras.json file.
type CameraEntry struct {
	ImgID      json.RawMessage `json:"img_id"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Image      string          `json:"image,omitempty"`
	Intrinsics [][]float64     `json:"intrinsics"`
	Extrinsics struct {
		C2W [][]float64 `json:"c2w_matrix"`
	} `json:"extrinsics"`
}

// Name returns img_id as a string, or the fallback when absent.
func (e *CameraEntry) Name(fallback int) string {
	raw := bytes.TrimSpace(e.ImgID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return strconv.Itoa(fallback)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Camera converts the entry. The world-to-camera transform is the inverse
// of the given camera-to-world matrix.
func (e *CameraEntry) Camera(id int) (render.Camera, error) {
	cam := render.Camera{ID: id, Name: e.Name(id), Width: e.Width, Height: e.Height}
	if e.Width <= 0 || e.Height <= 0 {
		return cam, fmt.Errorf("invalid size %dx%d", e.Width, e.Height)
	}
	k, err := flatten(e.Intrinsics, 3, 3)
	if err != nil {
		return cam, fmt.Errorf("intrinsics: %w", err)
	}
	c2wData, err := flatten(e.Extrinsics.C2W, 4, 4)
	if err != nil {
		return cam, fmt.Errorf("extrinsics.c2w_matrix: %w", err)
	}
	if k[0] <= 0 || k[4] <= 0 {
		return cam, fmt.Errorf("non-positive focal length fx=%g fy=%g", k[0], k[4])
	}
	cam.Fx, cam.Fy = float32(k[0]), float32(k[4])
	cam.Cx, cam.Cy = float32(k[2]), float32(k[5])

	c2w := mat.NewDense(4, 4, c2wData)
	var w2c mat.Dense
	if err := w2c.Inverse(c2w); err != nil {
		return cam, fmt.Errorf("c2w_matrix not invertible: %w", err)
	}
	for r := range 3 {
		for c := range 3 {
			cam.R[r*3+c] = float32(w2c.At(r, c))
		}
		cam.T[r] = float32(w2c.At(r, 3))
		cam.Center[r] = float32(c2w.At(r, 3))
	}
	return cam, nil
}

func flatten(rows [][]float64, r, c int) ([]float64, error) {
	if len(rows) != r {
		return nil, fmt.Errorf("want %dx%d matrix, got %d rows", r, c, len(rows))
	}
	out := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("want %dx%d matrix, row %d has %d values", r, c, i, len(row))
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("non-finite value in row %d", i)
			}
		}
		out = append(out, row...)
	}
	return out, nil
}

// ParseEntries decodes a cameras file holding either an array of entries or
// a single entry object.
func ParseEntries(data []byte) ([]CameraEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty camera file", ErrInvalidDataset)
	}
	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
		}
		out := make([]CameraEntry, len(raw))
		for i, r := range raw {
			// A malformed element is kept as a zero entry and rejected
			// later, so one bad camera does not sink the file.
			_ = json.Unmarshal(r, &out[i])
		}
		return out, nil
	case '{':
		var e CameraEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
		}
		return []CameraEntry{e}, nil
	}
	return nil, fmt.Errorf("%w: camera file must hold a JSON array or object", ErrInvalidDataset)
}

// ParseCameras converts every valid entry. Invalid entries are logged and
// skipped; the second return value holds the surviving entries in order.
func ParseCameras(data []byte, log logger.Logger) ([]render.Camera, []CameraEntry, error) {
	entries, err := ParseEntries(data)
	if err != nil {
		return nil, nil, err
	}
	cams := make([]render.Camera, 0, len(entries))
	kept := make([]CameraEntry, 0, len(entries))
	for i := range entries {
		cam, err := entries[i].Camera(i)
		if err != nil {
			log.Warn("skipping camera", "index", i, "img_id", entries[i].Name(i), "error", err)
			continue
		}
		cam.ID = len(cams)
		cams = append(cams, cam)
		kept = append(kept, entries[i])
	}
	if len(cams) == 0 {
		return nil, nil, fmt.Errorf("%w: all %d entries invalid", ErrNoCameras, len(entries))
	}
	return cams, kept, nil
}
