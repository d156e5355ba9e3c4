package depthlayer

import (
	"context"
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/floats"
)

// DepthMap is a dense grid of normalized depth values, 0 = far, 1 = near.
// Data is row-major, len = Width*Height. Treat it as immutable once built.
type DepthMap struct {
	Width  int
	Height int
	Data   []float64
}

// Provider estimates depth for an image. Implementations may block (model
// inference) and should honour ctx.
type Provider interface {
	EstimateDepth(ctx context.Context, img image.Image) (*DepthMap, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, img image.Image) (*DepthMap, error)

func (f ProviderFunc) EstimateDepth(ctx context.Context, img image.Image) (*DepthMap, error) {
	return f(ctx, img)
}

// ImageProvider serves a precomputed depth image (white = near) regardless of
// the photo it is asked about.
type ImageProvider struct {
	Depth image.Image
}

func (p ImageProvider) EstimateDepth(ctx context.Context, _ image.Image) (*DepthMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Depth == nil {
		return nil, ErrNoProvider
	}
	return DepthFromImage(p.Depth)
}

func (d *DepthMap) Len() int {
	return d.Width * d.Height
}

func (d *DepthMap) At(x, y int) float64 {
	return d.Data[labelOffset(d.Width, x, y)]
}

func (d *DepthMap) validate() error {
	if d == nil || d.Width <= 0 || d.Height <= 0 || len(d.Data) == 0 {
		return &InputError{Reason: "depth map has zero pixels", Err: ErrEmptyDepthMap}
	}
	if len(d.Data) != d.Width*d.Height {
		return &InputError{Reason: "depth map data does not match its dimensions"}
	}
	return nil
}

// NewDepthMapFromRaw min-max normalizes raw model output into [0,1]. A
// constant input yields an all-zero map.
func NewDepthMapFromRaw(width, height int, raw []float64) (*DepthMap, error) {
	if width <= 0 || height <= 0 || len(raw) == 0 {
		return nil, ErrEmptyDepthMap
	}
	if len(raw) != width*height {
		return nil, &InputError{Reason: "raw depth length does not match dimensions"}
	}
	data := make([]float64, len(raw))
	lo, hi := floats.Min(raw), floats.Max(raw)
	if lo == hi {
		return &DepthMap{Width: width, Height: height, Data: data}, nil
	}
	copy(data, raw)
	floats.AddConst(-lo, data)
	floats.Scale(1/(hi-lo), data)
	for i, v := range data {
		data[i] = clamp01(v)
	}
	return &DepthMap{Width: width, Height: height, Data: data}, nil
}

// DepthFromImage reads the luma of img as depth.
func DepthFromImage(img image.Image) (*DepthMap, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, ErrEmptyDepthMap
	}
	d := &DepthMap{Width: w, Height: h, Data: make([]float64, w*h)}
	for y := range h {
		for x := range w {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			d.Data[labelOffset(w, x, y)] = float64(g.Y) / 65535.0
		}
	}
	return d, nil
}

// Gray16 renders the map as a 16-bit grayscale image.
func (d *DepthMap) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for y := range d.Height {
		for x := range d.Width {
			v := clamp01(d.At(x, y))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535 + 0.5)})
		}
	}
	return img
}

// Resize resamples the map bilinearly. The receiver is returned untouched
// when the size already matches.
func (d *DepthMap) Resize(width, height int) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmptyDepthMap
	}
	if width == d.Width && height == d.Height {
		return d, nil
	}
	scaled := resize.Resize(uint(width), uint(height), d.Gray16(), resize.Bilinear)
	return DepthFromImage(scaled)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func labelOffset(w, x, y int) int {
	return y*w + x
}

func pixOffset(stride, x, y int) int {
	return y*stride + x*4
}
