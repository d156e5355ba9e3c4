// Package onnxdepth estimates monocular depth with an ONNX export of a
// relative depth model such as Depth Anything V2.
package onnxdepth

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"github.com/setanarut/depthlayer"
	"golang.org/x/image/draw"
)

// Options configures the model and its preprocessing.
type Options struct {
	ModelPath string
	// Path to the onnxruntime shared library (.dll/.so/.dylib). If empty, the
	// environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH is respected.
	ORTSharedLibraryPath string

	InputName  string
	OutputName string

	// The input tensor is NCHW float32, 1x3xInputHeightxInputWidth.
	InputWidth         int
	InputHeight        int
	NormalizeMeanRGB   [3]float32
	NormalizeStddevRGB [3]float32
}

// DefaultOptions matches the Depth Anything V2 ONNX exports: 518x518 input,
// ImageNet normalization.
func DefaultOptions() Options {
	return Options{
		InputName:          "pixel_values",
		OutputName:         "predicted_depth",
		InputWidth:         518,
		InputHeight:        518,
		NormalizeMeanRGB:   [3]float32{0.485, 0.456, 0.406},
		NormalizeStddevRGB: [3]float32{0.229, 0.224, 0.225},
	}
}

func (o Options) validate() error {
	if o.ModelPath == "" {
		return errors.New("model path must be provided")
	}
	if o.InputWidth <= 0 || o.InputHeight <= 0 {
		return fmt.Errorf("invalid input size %dx%d", o.InputWidth, o.InputHeight)
	}
	if o.InputName == "" || o.OutputName == "" {
		return errors.New("input and output names must be provided")
	}
	return nil
}

// Preprocess flattens img over white, resizes it to the model input size and
// returns normalized RGB planes in NCHW order.
func Preprocess(img image.Image, opts Options) []float32 {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)

	dst := resize.Resize(uint(opts.InputWidth), uint(opts.InputHeight), flat, resize.Bicubic)
	db := dst.Bounds()

	std := opts.NormalizeStddevRGB
	for i := range std {
		if std[i] == 0 {
			std[i] = 1
		}
	}
	plane := opts.InputWidth * opts.InputHeight
	data := make([]float32, 3*plane)
	i := 0
	for y := 0; y < opts.InputHeight; y++ {
		for x := 0; x < opts.InputWidth; x++ {
			c := color.RGBAModel.Convert(dst.At(db.Min.X+x, db.Min.Y+y)).(color.RGBA)
			data[i] = (float32(c.R)/255 - opts.NormalizeMeanRGB[0]) / std[0]
			data[plane+i] = (float32(c.G)/255 - opts.NormalizeMeanRGB[1]) / std[1]
			data[2*plane+i] = (float32(c.B)/255 - opts.NormalizeMeanRGB[2]) / std[2]
			i++
		}
	}
	return data
}

// depthFromOutput normalizes a relative depth prediction, where larger means
// nearer, into a depth map of the model's output size.
func depthFromOutput(out []float32, width, height int) (*depthlayer.DepthMap, error) {
	if len(out) < width*height {
		return nil, fmt.Errorf("model output has %d values, want %d", len(out), width*height)
	}
	raw := make([]float64, width*height)
	for i := range raw {
		raw[i] = float64(out[i])
	}
	return depthlayer.NewDepthMapFromRaw(width, height, raw)
}
