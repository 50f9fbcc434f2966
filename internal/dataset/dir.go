package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/render"
)

// CamerasFile is the camera list expected at the root of a dataset directory.
const CamerasFile = "cameras.json"

var pointCloudNames = []string{"points3D.ply", "points.ply", "sparse.ply"}

// Dir is a dataset directory: cameras.json plus the images it names.
// Images are decoded on first use and cached.
type Dir struct {
	root    string
	cameras []render.Camera
	paths   []string
	center  [3]float32
	radius  float32

	mu    sync.Mutex
	cache map[int][]float32
	// cacheImages disables caching when false; big datasets can then be
	// streamed from disk.
	cacheImages bool
}

// LoadOption configures LoadDir.
type LoadOption func(*Dir)

// WithoutImageCache decodes images on every access.
func WithoutImageCache() LoadOption {
	return func(d *Dir) { d.cacheImages = false }
}

// LoadDir reads root/cameras.json. Entries with bad geometry, a missing image
// or an image whose size disagrees with the entry are skipped with a warning.
func LoadDir(root string, log logger.Logger, opts ...LoadOption) (*Dir, error) {
	if log == nil {
		log = logger.Discard()
	}
	data, err := os.ReadFile(filepath.Join(root, CamerasFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	cams, entries, err := ParseCameras(data, log)
	if err != nil {
		return nil, err
	}

	d := &Dir{root: root, cache: make(map[int][]float32), cacheImages: true}
	for _, opt := range opts {
		opt(d)
	}
	for i := range cams {
		path := d.imagePath(&entries[i], &cams[i])
		w, h, err := ImageSize(path)
		if err != nil {
			log.Warn("skipping camera", "img_id", cams[i].Name, "error", err)
			continue
		}
		if w != cams[i].Width || h != cams[i].Height {
			log.Warn("skipping camera", "img_id", cams[i].Name,
				"error", fmt.Sprintf("image is %dx%d, camera expects %dx%d", w, h, cams[i].Width, cams[i].Height))
			continue
		}
		cam := cams[i]
		cam.ID = len(d.cameras)
		d.cameras = append(d.cameras, cam)
		d.paths = append(d.paths, path)
	}
	if len(d.cameras) == 0 {
		return nil, fmt.Errorf("%w: no camera in %s has a readable image", ErrNoCameras, root)
	}
	d.center, d.radius = Bounds(d.cameras)
	log.Info("dataset loaded", "root", root, "cameras", len(d.cameras), "skipped", len(entries)-len(d.cameras),
		"radius", d.radius)
	return d, nil
}

// imagePath resolves the image of an entry: the explicit image field relative
// to the root, otherwise images/<img_id>.png or images/<img_id>.jpg.
func (d *Dir) imagePath(e *CameraEntry, cam *render.Camera) string {
	if e.Image != "" {
		if filepath.IsAbs(e.Image) {
			return e.Image
		}
		return filepath.Join(d.root, e.Image)
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".JPG"} {
		p := filepath.Join(d.root, "images", cam.Name+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(d.root, "images", cam.Name+".png")
}

func (d *Dir) Len() int                    { return len(d.cameras) }
func (d *Dir) Camera(i int) *render.Camera { return &d.cameras[i] }
func (d *Dir) SceneCenter() [3]float32     { return d.center }
func (d *Dir) SceneRadius() float32        { return d.radius }

// Image returns the decoded image of camera i.
func (d *Dir) Image(i int) ([]float32, error) {
	d.mu.Lock()
	pix, ok := d.cache[i]
	d.mu.Unlock()
	if ok {
		return pix, nil
	}
	pix, w, h, err := ReadImage(d.paths[i])
	if err != nil {
		return nil, err
	}
	if cam := &d.cameras[i]; w != cam.Width || h != cam.Height {
		return nil, fmt.Errorf("%w: %s is %dx%d, camera expects %dx%d", ErrInvalidDataset, d.paths[i], w, h, cam.Width, cam.Height)
	}
	if d.cacheImages {
		d.mu.Lock()
		d.cache[i] = pix
		d.mu.Unlock()
	}
	return pix, nil
}

// PointCloudPath returns the seed point cloud shipped with the dataset, or ""
// when there is none.
func (d *Dir) PointCloudPath() string {
	for _, name := range pointCloudNames {
		p := filepath.Join(d.root, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
