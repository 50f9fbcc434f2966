// Package preview serves a live view of a splat model over HTTP. It runs next
// to a trainer (status, stop and metrics) or on its own over a loaded model.
package preview

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/splatter/internal/logger"
	"github.com/samcharles93/splatter/internal/sampling"
	"github.com/samcharles93/splatter/internal/splat"
	"github.com/samcharles93/splatter/internal/tensor"
	"github.com/samcharles93/splatter/internal/train"
	"github.com/samcharles93/splatter/internal/webui"
)

const readHeaderTimeout = 10 * time.Second

// Config wires a Server to the model it displays.
type Config struct {
	Model *splat.Model
	// Status reports trainer progress. Nil means viewer-only mode.
	Status func() train.Status
	// Stop requests cooperative cancellation of the training run.
	Stop     context.CancelFunc
	Registry *prometheus.Registry
	// SnapshotRate caps how often the snapshot payload is rebuilt, per second.
	SnapshotRate float64
	// MaxSplats bounds the snapshot size; the most opaque splats are kept.
	MaxSplats int
	Logger    logger.Logger
}

// Server answers the preview API.
type Server struct {
	cfg     Config
	log     logger.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	cached   []byte
	cachedAt int
	stopped  bool
}

// New builds a Server. Without a model the snapshot route answers 503.
func New(cfg Config) *Server {
	if cfg.SnapshotRate <= 0 {
		cfg.SnapshotRate = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "preview"),
		limiter: rate.NewLimiter(rate.Limit(cfg.SnapshotRate), 1),
	}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	assets := http.FileServer(webui.StaticFS())
	e.GET("/", func(c *echo.Context) error {
		assets.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/snapshot", s.handleSnapshot)
	e.POST("/api/stop", s.handleStop)
	if s.cfg.Registry != nil {
		h := promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

// Handler returns an echo instance with the routes and recovery middleware.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	e := s.Handler()
	s.log.Info("preview listening", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = readHeaderTimeout
			return nil
		},
	}
	return sc.Start(ctx, e)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Mode           string        `json:"mode"`
	Splats         int           `json:"splats"`
	MaxSplats      int           `json:"max_splats,omitempty"`
	SHDegree       int           `json:"sh_degree"`
	ActiveSHDegree int           `json:"active_sh_degree"`
	Generation     uint64        `json:"generation"`
	Train          *train.Status `json:"train,omitempty"`
}

// SnapshotResponse is the body of GET /api/snapshot. Per-splat arrays are
// flattened row-major; colors are the view-independent DC term in [0, 1].
type SnapshotResponse struct {
	Generation uint64    `json:"generation"`
	Total      int       `json:"total"`
	Count      int       `json:"count"`
	Means      []float32 `json:"means"`
	Scales     []float32 `json:"scales"`
	Rotations  []float32 `json:"rotations"`
	Opacities  []float32 `json:"opacities"`
	Colors     []float32 `json:"colors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(c *echo.Context) error {
	resp := StatusResponse{Mode: "view"}
	if m := s.cfg.Model; m != nil {
		resp.Splats = m.Size()
		resp.MaxSplats = m.MaxSplats()
		resp.SHDegree = m.SHDegree()
		resp.ActiveSHDegree = m.ActiveSHDegree()
		resp.Generation = m.Generation()
	}
	if s.cfg.Status != nil {
		st := s.cfg.Status()
		resp.Mode = "train"
		resp.Train = &st
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(c *echo.Context) error {
	if s.cfg.Model == nil {
		return writeError(c, http.StatusServiceUnavailable, "no model loaded")
	}
	limit := s.cfg.MaxSplats
	if q := c.QueryParam("max"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			return writeError(c, http.StatusBadRequest, "max must be a non-negative integer")
		}
		limit = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := s.limiter.Allow()
	if fresh || s.cached == nil || s.cachedAt != limit {
		body, err := json.Marshal(BuildSnapshot(s.cfg.Model.Snapshot(), limit))
		if err != nil {
			return err
		}
		s.cached, s.cachedAt = body, limit
	}
	return writeBlob(c, http.StatusOK, s.cached)
}

func (s *Server) handleStop(c *echo.Context) error {
	if s.cfg.Stop == nil {
		return writeError(c, http.StatusConflict, "no training run to stop")
	}
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	s.mu.Unlock()
	if first {
		s.log.Info("stop requested over preview API")
	}
	s.cfg.Stop()
	return writeJSON(c, http.StatusAccepted, map[string]bool{"stopping": true})
}

// BuildSnapshot converts a model snapshot to its wire form, keeping at most
// limit splats ranked by opacity. A limit of zero keeps every splat.
func BuildSnapshot(snap *splat.Snapshot, limit int) SnapshotResponse {
	n := snap.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if limit > 0 && n > limit {
		op := make([]float32, n)
		copy(op, snap.Opacities.Data)
		idx = sampling.TopK(op, limit)
	}

	out := SnapshotResponse{
		Generation: snap.Generation,
		Total:      n,
		Count:      len(idx),
		Means:      make([]float32, 0, 3*len(idx)),
		Scales:     make([]float32, 0, 3*len(idx)),
		Rotations:  make([]float32, 0, 4*len(idx)),
		Opacities:  make([]float32, 0, len(idx)),
		Colors:     make([]float32, 0, 3*len(idx)),
	}
	for _, i := range idx {
		out.Means = append(out.Means, snap.Means.Row(i)...)
		for _, v := range snap.Scales.Row(i) {
			out.Scales = append(out.Scales, tensor.Exp(v))
		}
		q := append([]float32(nil), snap.Rotations.Row(i)...)
		tensor.NormalizeQuat(q)
		out.Rotations = append(out.Rotations, q...)
		out.Opacities = append(out.Opacities, tensor.Sigmoid(snap.Opacities.Data[i]))
		sh := snap.SH.Row(i)
		for ch := range 3 {
			out.Colors = append(out.Colors, min(max(splat.SHToRGB(sh[ch]), 0), 1))
		}
	}
	return out
}

func writeJSON(c *echo.Context, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeBlob(c, status, body)
}

func writeBlob(c *echo.Context, status int, body []byte) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	_, err := res.Write(body)
	return err
}

func writeError(c *echo.Context, status int, msg string) error {
	return writeJSON(c, status, errorResponse{Error: msg})
}
