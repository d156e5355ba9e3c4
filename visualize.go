package depthlayer

import (
	"image"
	"image/color"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

type VisualizationMode int

const (
	VisualizeGray VisualizationMode = iota
	VisualizeColor
)

func (m VisualizationMode) String() string {
	if m == VisualizeColor {
		return "color"
	}
	return "gray"
}

func ParseVisualizationMode(name string) VisualizationMode {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "color", "colour", "pseudocolor":
		return VisualizeColor
	default:
		return VisualizeGray
	}
}

var (
	farColor, _  = colorful.Hex("#1d3b8f")
	nearColor, _ = colorful.Hex("#ffb347")
)

// Visualize renders the depth map for debugging. Gray maps depth d to
// uint8(d*255); color blends far blue to near orange in HCL.
func Visualize(d *DepthMap, mode VisualizationMode) image.Image {
	if mode == VisualizeColor {
		img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
		for y := range d.Height {
			for x := range d.Width {
				c := farColor.BlendHcl(nearColor, clamp01(d.At(x, y))).Clamped()
				r, g, b := c.RGB255()
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
		return img
	}
	img := image.NewGray(image.Rect(0, 0, d.Width, d.Height))
	for y := range d.Height {
		for x := range d.Width {
			img.SetGray(x, y, color.Gray{Y: uint8(clamp01(d.At(x, y)) * 255)})
		}
	}
	return img
}
