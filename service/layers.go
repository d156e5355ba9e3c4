package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/setanarut/depthlayer"
	"github.com/setanarut/depthlayer/config"
	"github.com/setanarut/depthlayer/model"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when no pipeline slot frees up within the queue
// timeout.
var ErrQueueFull = errors.New("processing queue is full, try again later")

// Params are the per-request pipeline knobs.
type Params struct {
	Granularity   float64
	MinObjectSize int
	BlurFill      int
	Arrangement   string
}

func (p Params) String() string {
	return fmt.Sprintf("g=%s,min=%d,blur=%d,arr=%s",
		strconv.FormatFloat(p.Granularity, 'f', -1, 64), p.MinObjectSize, p.BlurFill, p.Arrangement)
}

// LayerRequest is one upload. Depth, when set, is a grayscale depth image
// used instead of the configured model.
type LayerRequest struct {
	Image  []byte
	Depth  []byte
	Params Params
}

// LayerService runs the pipeline for HTTP requests with bounded concurrency
// and caches finished results.
type LayerService struct {
	provider     depthlayer.Provider
	base         depthlayer.Options
	defaults     Params
	cache        ResultCache
	semaphore    chan struct{}
	queueTimeout time.Duration
}

// NewLayerService builds the service. provider may be nil, in which case
// every request must carry a depth image. cache may be nil.
func NewLayerService(cfg *config.PipelineConfig, depthTimeout time.Duration, provider depthlayer.Provider, cache ResultCache) *LayerService {
	opt := depthlayer.DefaultOptions()
	opt.PaletteSize = cfg.PaletteSize
	opt.PaletteMethod = utils.ParsePaletteMethod(cfg.PaletteMethod)
	opt.Visualization = depthlayer.ParseVisualizationMode(cfg.Visualization)
	opt.DepthTimeout = depthTimeout
	opt.Quantize.NoiseFloor = cfg.PeakNoiseFloor
	if cfg.MinGranularity > 0 {
		opt.Quantize.MinGranularity = cfg.MinGranularity
	}
	return &LayerService{
		provider: provider,
		base:     opt,
		defaults: Params{
			Granularity:   cfg.Granularity,
			MinObjectSize: cfg.MinObjectSize,
			BlurFill:      cfg.BlurFill,
			Arrangement:   cfg.Arrangement,
		},
		cache:        cache,
		semaphore:    make(chan struct{}, max(cfg.MaxConcurrent, 1)),
		queueTimeout: cfg.QueueTimeout,
	}
}

// DefaultParams returns the configured parameters that requests override.
func (s *LayerService) DefaultParams() Params {
	return s.defaults
}

// CacheKey identifies a result by image content, depth content and
// parameters.
func CacheKey(req LayerRequest) string {
	sig := req.Params.String()
	if len(req.Depth) > 0 {
		sig += ",depth=" + utils.BytesMD5(req.Depth)
	}
	return utils.BytesMD5(req.Image) + "-" + utils.BytesMD5([]byte(sig))[:12]
}

// Get returns a cached result or nil.
func (s *LayerService) Get(ctx context.Context, key string) (*model.LayerResult, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.GetLayerResult(ctx, key)
}

// Process returns the cached result for req when present, otherwise runs the
// pipeline and caches its output. cached reports which happened.
func (s *LayerService) Process(ctx context.Context, req LayerRequest) (result *model.LayerResult, cached bool, err error) {
	arrangement, err := depthlayer.ArrangementByName(req.Params.Arrangement)
	if err != nil {
		return nil, false, err
	}
	key := CacheKey(req)
	if s.cache != nil {
		hit, err := s.cache.GetLayerResult(ctx, key)
		if err != nil {
			utils.Logger.Warn("failed to get cache", zap.Error(err))
		}
		if hit != nil {
			utils.Logger.Info("cache hit", zap.String("cache_key", key))
			return hit, true, nil
		}
	}

	provider := s.provider
	if len(req.Depth) > 0 {
		depthImg, err := utils.DecodeImage(req.Depth)
		if err != nil {
			return nil, false, &depthlayer.InputError{Reason: "depth image cannot be decoded", Err: err}
		}
		provider = depthlayer.ImageProvider{Depth: depthImg}
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()

	opt := s.base
	opt.Granularity = req.Params.Granularity
	opt.MinObjectSize = req.Params.MinObjectSize
	opt.BlurFill = req.Params.BlurFill
	opt.Arrangement = arrangement

	res, err := depthlayer.New(provider).ProcessBytes(ctx, req.Image, opt)
	if err != nil {
		return nil, false, err
	}
	result = toLayerResult(key, utils.BytesMD5(req.Image), res)

	if s.cache != nil {
		if err := s.cache.SetLayerResult(ctx, key, result); err != nil {
			utils.Logger.Warn("failed to set cache", zap.Error(err))
		}
	}
	return result, false, nil
}

// EstimateDepth runs only the depth provider and resamples its output to the
// image size.
func (s *LayerService) EstimateDepth(ctx context.Context, data []byte) (*depthlayer.DepthMap, error) {
	img, err := utils.DecodeImage(data)
	if err != nil {
		return nil, &depthlayer.InputError{Reason: "image cannot be decoded", Err: err}
	}
	if s.provider == nil {
		return nil, depthlayer.ErrNoProvider
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.base.DepthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.base.DepthTimeout)
		defer cancel()
	}
	d, err := s.provider.EstimateDepth(ctx, img)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Len() == 0 || len(d.Data) != d.Len() {
		return nil, depthlayer.ErrEmptyDepthMap
	}
	b := img.Bounds()
	return d.Resize(b.Dx(), b.Dy())
}

func (s *LayerService) acquire(ctx context.Context) (func(), error) {
	wait := ctx
	if s.queueTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.queueTimeout)
		defer cancel()
	}
	select {
	case s.semaphore <- struct{}{}:
		return func() { <-s.semaphore }, nil
	case <-wait.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrQueueFull
	}
}

func toLayerResult(key, md5 string, res *depthlayer.PipelineResult) *model.LayerResult {
	out := &model.LayerResult{
		ID:                 uuid.NewString(),
		Key:                key,
		MD5:                md5,
		Width:              res.Metadata.Width,
		Height:             res.Metadata.Height,
		Layers:             make([]model.Layer, 0, len(res.Layers)),
		DepthVisualization: base64.StdEncoding.EncodeToString(res.DepthVisualization),
		Metadata:           res.Metadata,
		Timestamp:          time.Now().Unix(),
	}
	for _, l := range res.Layers {
		out.Layers = append(out.Layers, model.Layer{
			ID:             l.ID,
			Depth:          l.Depth,
			DepthZ:         l.DepthZ,
			ZPosition:      l.ZPosition,
			ParallaxFactor: l.ParallaxFactor,
			BoundingBox: model.BBox{
				X:      l.Bounds.X,
				Y:      l.Bounds.Y,
				Width:  l.Bounds.Width,
				Height: l.Bounds.Height,
			},
			ComponentCount: l.ComponentCount,
			Image:          encodeOptional(l.Image),
			FillMask:       encodeOptional(l.FillMask),
			BlurFill:       encodeOptional(l.BlurFill),
			Swatch:         l.Swatch,
		})
	}
	return out
}

func encodeOptional(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}
