package depthlayer

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
)

// Stage names a pipeline checkpoint.
type Stage string

const (
	StageInput           Stage = "input"
	StageDepthEstimation Stage = "depth-estimation"
	StageQuantization    Stage = "quantization"
	StageSegmentation    Stage = "segmentation"
	StageExport          Stage = "export"
	StageComplete        Stage = "complete"
)

// ProgressStages lists the reported checkpoints in order.
var ProgressStages = []Stage{
	StageDepthEstimation,
	StageQuantization,
	StageSegmentation,
	StageExport,
	StageComplete,
}

// Index is the position of s in ProgressStages, or -1.
func (s Stage) Index() int {
	for i, st := range ProgressStages {
		if st == s {
			return i
		}
	}
	return -1
}

// ProgressFunc receives a checkpoint and its sub-progress in [0,1]. Overall
// progress is Index()+value out of len(ProgressStages).
type ProgressFunc func(stage Stage, value float64)

type Options struct {
	// Lower values give more, finer layers. Clamped to [Quantize.MinGranularity, 1].
	Granularity float64
	// Minimum component area in pixels; must be >= 0.
	MinObjectSize int
	// Blur radius for fill behind nearer layers; 0 disables fill.
	BlurFill int
	// Z placement strategy. Nil means FixedStepArrangement.
	Arrangement Arrangement
	OnProgress  ProgressFunc
	Quantize    QuantizeOptions
	// Bounds the depth estimation call when > 0.
	DepthTimeout  time.Duration
	Visualization VisualizationMode
	// Number of swatch colors per layer; 0 disables swatches.
	PaletteSize   int
	PaletteMethod utils.PaletteMethod
}

func DefaultOptions() Options {
	return Options{
		Granularity:   0.3,
		MinObjectSize: 100,
		BlurFill:      0,
		Arrangement:   FixedStepArrangement(),
		Quantize:      DefaultQuantizeOptions(),
		Visualization: VisualizeGray,
		PaletteMethod: utils.PaletteMethodKMeans,
	}
}

func (o Options) validate() error {
	if o.MinObjectSize < 0 {
		return &ParameterError{Name: "minObjectSize", Value: o.MinObjectSize, Rule: "must be >= 0"}
	}
	if o.BlurFill < 0 {
		return &ParameterError{Name: "blurFill", Value: o.BlurFill, Rule: "must be >= 0"}
	}
	if o.PaletteSize < 0 {
		return &ParameterError{Name: "paletteSize", Value: o.PaletteSize, Rule: "must be >= 0"}
	}
	return nil
}

// ProcessedLayer is a positioned, encoded layer ready for a renderer. Image,
// FillMask and BlurFill are PNG bytes.
type ProcessedLayer struct {
	ID             int         `json:"id"`
	Depth          float64     `json:"depth"`
	DepthZ         float64     `json:"depthZ"`
	ZPosition      float64     `json:"zPosition"`
	ParallaxFactor float64     `json:"parallaxFactor"`
	Bounds         BoundingBox `json:"bounds"`
	ComponentCount int         `json:"componentCount"`
	Image          []byte      `json:"image"`
	FillMask       []byte      `json:"fillMask,omitempty"`
	BlurFill       []byte      `json:"blurFill,omitempty"`
	Swatch         []string    `json:"swatch,omitempty"`
}

type Metadata struct {
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	DepthWidth      int           `json:"depthWidth"`
	DepthHeight     int           `json:"depthHeight"`
	QuantizedLayers int           `json:"quantizedLayers"`
	Layers          int           `json:"layers"`
	Granularity     float64       `json:"granularity"`
	MinObjectSize   int           `json:"minObjectSize"`
	BlurFill        int           `json:"blurFill"`
	Duration        time.Duration `json:"duration"`
}

// PipelineResult is the complete output of one run. Layers are ordered far
// to near and may be empty.
type PipelineResult struct {
	Layers             []ProcessedLayer   `json:"layers"`
	DepthMap           *DepthMap          `json:"-"`
	Quantized          *QuantizedDepthMap `json:"-"`
	DepthVisualization []byte             `json:"depthVisualization"`
	Metadata           Metadata           `json:"metadata"`
}

// Pipeline turns photos into parallax layers using one depth provider. It
// holds no per-run state and may be shared.
type Pipeline struct {
	provider Provider
}

func New(provider Provider) *Pipeline {
	return &Pipeline{provider: provider}
}

// ProcessBytes decodes data and runs Process.
func (p *Pipeline) ProcessBytes(ctx context.Context, data []byte, opt Options) (*PipelineResult, error) {
	img, err := utils.DecodeImage(data)
	if err != nil {
		return nil, stageError(StageInput, &InputError{Reason: "image cannot be decoded", Err: err})
	}
	return p.Process(ctx, img, opt)
}

// Process runs depth estimation, quantization, segmentation and export. It
// either returns a complete result or a *PipelineError; there is no partial
// result. ctx is only consulted before starting and during depth estimation.
func (p *Pipeline) Process(ctx context.Context, img image.Image, opt Options) (*PipelineResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, stageError(StageInput, err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, stageError(StageInput, &InputError{Reason: "image has zero pixels"})
	}
	if err := opt.validate(); err != nil {
		return nil, stageError(StageInput, err)
	}
	if p.provider == nil {
		return nil, stageError(StageDepthEstimation, ErrNoProvider)
	}
	if opt.Quantize.Bins == 0 {
		opt.Quantize = DefaultQuantizeOptions()
	}
	arrangement := opt.Arrangement
	if arrangement == nil {
		arrangement = FixedStepArrangement()
	}
	report := func(s Stage, v float64) {
		if opt.OnProgress != nil {
			opt.OnProgress(s, v)
		}
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	log := utils.Logger.With(zap.Int("width", w), zap.Int("height", h))

	// depth estimation
	report(StageDepthEstimation, 0)
	t := time.Now()
	depth, err := p.estimate(ctx, img, opt.DepthTimeout)
	if err != nil {
		return nil, stageError(StageDepthEstimation, err)
	}
	rawW, rawH := depth.Width, depth.Height
	if depth, err = depth.Resize(w, h); err != nil {
		return nil, stageError(StageDepthEstimation, err)
	}
	report(StageDepthEstimation, 1)
	log.Debug("depth estimated",
		zap.Int("depth_width", rawW),
		zap.Int("depth_height", rawH),
		zap.Duration("cost", time.Since(t)))

	// quantization
	report(StageQuantization, 0)
	t = time.Now()
	q, err := QuantizeWith(depth, opt.Granularity, opt.Quantize)
	if err != nil {
		return nil, stageError(StageQuantization, err)
	}
	report(StageQuantization, 1)
	log.Debug("depth quantized",
		zap.Int("layers", len(q.Layers)),
		zap.Float64("granularity", q.Granularity),
		zap.Duration("cost", time.Since(t)))

	// segmentation
	report(StageSegmentation, 0)
	t = time.Now()
	objects, err := Segment(img, q, SegmentOptions{
		MinObjectSize: opt.MinObjectSize,
		BlurFill:      opt.BlurFill,
		OnLayer: func(done, total int) {
			report(StageSegmentation, float64(done)/float64(total))
		},
	})
	if err != nil {
		return nil, stageError(StageSegmentation, err)
	}
	report(StageSegmentation, 1)
	log.Debug("layers segmented",
		zap.Int("kept", len(objects)),
		zap.Int("dropped", len(q.Layers)-len(objects)),
		zap.Duration("cost", time.Since(t)))

	// export
	report(StageExport, 0)
	t = time.Now()
	layers, err := exportLayers(objects, arrangement, opt, func(v float64) { report(StageExport, v) })
	if err != nil {
		return nil, stageError(StageExport, err)
	}
	vis, err := utils.EncodePNG(Visualize(depth, opt.Visualization))
	if err != nil {
		return nil, stageError(StageExport, fmt.Errorf("encode depth visualization: %w", err))
	}
	report(StageExport, 1)
	log.Debug("layers exported", zap.Duration("cost", time.Since(t)))

	result := &PipelineResult{
		Layers:             layers,
		DepthMap:           depth,
		Quantized:          q,
		DepthVisualization: vis,
		Metadata: Metadata{
			Width:           w,
			Height:          h,
			DepthWidth:      rawW,
			DepthHeight:     rawH,
			QuantizedLayers: len(q.Layers),
			Layers:          len(layers),
			Granularity:     q.Granularity,
			MinObjectSize:   opt.MinObjectSize,
			BlurFill:        opt.BlurFill,
			Duration:        time.Since(start),
		},
	}
	report(StageComplete, 1)
	log.Info("photo processed",
		zap.Int("layers", len(layers)),
		zap.Duration("cost", result.Metadata.Duration))
	return result, nil
}

func (p *Pipeline) estimate(ctx context.Context, img image.Image, timeout time.Duration) (*DepthMap, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	depth, err := p.provider.EstimateDepth(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := depth.validate(); err != nil {
		return nil, err
	}
	return depth, nil
}

// exportLayers pairs objects[i] with positions[i], so both must share the
// far-to-near order.
func exportLayers(objects []LayerObject, arrangement Arrangement, opt Options, progress func(float64)) ([]ProcessedLayer, error) {
	positions := arrangement.Positions(len(objects))
	if len(positions) != len(objects) {
		return nil, fmt.Errorf("arrangement returned %d positions for %d layers", len(positions), len(objects))
	}
	out := make([]ProcessedLayer, 0, len(objects))
	for i, obj := range objects {
		pl := ProcessedLayer{
			ID:             obj.LayerID,
			Depth:          obj.Depth,
			DepthZ:         obj.ZPosition,
			ZPosition:      positions[i],
			ParallaxFactor: ParallaxFactor(obj.Depth),
			Bounds:         obj.Bounds,
			ComponentCount: obj.ComponentCount,
		}
		var err error
		if pl.Image, err = utils.EncodePNG(obj.Image); err != nil {
			return nil, fmt.Errorf("encode layer %d: %w", obj.LayerID, err)
		}
		if obj.FillMask != nil {
			if pl.FillMask, err = utils.EncodePNG(obj.FillMask); err != nil {
				return nil, fmt.Errorf("encode fill mask %d: %w", obj.LayerID, err)
			}
		}
		if obj.BlurFill != nil {
			if pl.BlurFill, err = utils.EncodePNG(obj.BlurFill); err != nil {
				return nil, fmt.Errorf("encode blur fill %d: %w", obj.LayerID, err)
			}
		}
		if opt.PaletteSize > 0 {
			b := obj.Bounds
			crop := obj.Image.SubImage(image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height))
			pl.Swatch = utils.SwatchHex(utils.ExtractPalette(crop, opt.PaletteSize, opt.PaletteMethod))
		}
		out = append(out, pl)
		progress(float64(i+1) / float64(len(objects)))
	}
	return out, nil
}
