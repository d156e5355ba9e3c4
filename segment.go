package depthlayer

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

const (
	maskOff uint8 = 0
	maskOn  uint8 = 255
)

// BoundingBox is the tight box around a layer's opaque pixels. It is all
// zero for an empty mask.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ConnectedComponent is a 4-connected run of mask pixels.
type ConnectedComponent struct {
	Pixels []image.Point
	Size   int
}

type SegmentOptions struct {
	// Components smaller than this many pixels are treated as noise.
	MinObjectSize int
	// Blur radius in pixels for fill behind nearer layers. 0 disables fill.
	BlurFill int
	// OnLayer, if set, is called after each quantization layer is examined.
	OnLayer func(done, total int)
}

func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		MinObjectSize: 100,
		BlurFill:      0,
	}
}

// LayerObject is one segmented layer.
//
// Image holds the sharp content of the layer only. When BlurFill > 0,
// BlurFill is the composite of that sharp content plus blurred source color
// wherever a nearer layer covers this one, and FillMask is opaque exactly
// where that fill was placed.
type LayerObject struct {
	LayerID        int
	Depth          float64
	ZPosition      float64
	Image          *image.NRGBA
	FillMask       *image.Alpha
	BlurFill       *image.NRGBA
	Bounds         BoundingBox
	ComponentCount int
}

type retainedLayer struct {
	layer      Layer
	mask       []uint8
	components int
}

// Segment cuts src into one image per quantization layer. Layers whose mask
// has no component of at least MinObjectSize pixels are dropped. The returned
// slice keeps the far-to-near order of q.Layers.
func Segment(src image.Image, q *QuantizedDepthMap, opt SegmentOptions) ([]LayerObject, error) {
	if src == nil {
		return nil, &InputError{Reason: "source image is nil"}
	}
	if q == nil || q.Width <= 0 || q.Height <= 0 {
		return nil, &InputError{Reason: "quantized map is empty", Err: ErrEmptyDepthMap}
	}
	b := src.Bounds()
	if b.Dx() != q.Width || b.Dy() != q.Height {
		return nil, &InputError{Reason: "image and depth map dimensions differ"}
	}
	if len(q.LayerAssignments) != q.Width*q.Height {
		return nil, &InputError{Reason: "layer assignments do not cover the image"}
	}
	if opt.MinObjectSize < 0 {
		return nil, &ParameterError{Name: "minObjectSize", Value: opt.MinObjectSize, Rule: "must be >= 0"}
	}
	if opt.BlurFill < 0 {
		return nil, &ParameterError{Name: "blurFill", Value: opt.BlurFill, Rule: "must be >= 0"}
	}

	w, h := q.Width, q.Height
	rgba := toNRGBA(src)

	masks := buildLayerMasks(q)
	retained := make([]retainedLayer, 0, len(q.Layers))
	for i, layer := range q.Layers {
		mask := masks[i]
		kept := filterComponents(mask, w, h, opt.MinObjectSize)
		if kept > 0 {
			retained = append(retained, retainedLayer{layer: layer, mask: mask, components: kept})
		}
		if opt.OnLayer != nil {
			opt.OnLayer(i+1, len(q.Layers))
		}
	}

	var above [][]uint8
	var blurred *image.NRGBA
	if opt.BlurFill > 0 && len(retained) > 0 {
		above = occlusionMasks(retained, w*h)
		blurred = blurNRGBA(rgba, opt.BlurFill)
	}

	out := make([]LayerObject, 0, len(retained))
	for i, r := range retained {
		obj := LayerObject{
			LayerID:        r.layer.ID,
			Depth:          r.layer.Depth,
			ZPosition:      r.layer.ZPosition,
			Image:          maskedImage(rgba, r.mask, w, h),
			Bounds:         maskBounds(r.mask, w, h),
			ComponentCount: r.components,
		}
		if blurred != nil {
			obj.BlurFill, obj.FillMask = compositeFill(rgba, blurred, r.mask, above[i], w, h)
		}
		out = append(out, obj)
	}
	return out, nil
}

// buildLayerMasks allocates one full-size mask per layer in a single pass.
func buildLayerMasks(q *QuantizedDepthMap) [][]uint8 {
	n := q.Width * q.Height
	arena := make([]uint8, n*len(q.Layers))
	masks := make([][]uint8, len(q.Layers))
	for i := range masks {
		masks[i] = arena[i*n : (i+1)*n : (i+1)*n]
	}
	for p, li := range q.LayerAssignments {
		if int(li) < len(masks) {
			masks[li][p] = maskOn
		}
	}
	return masks
}

// ConnectedComponents lists the 4-connected components of the set pixels in
// mask using an explicit work-list.
func ConnectedComponents(mask []uint8, w, h int) []ConnectedComponent {
	dx4 := [4]int{-1, 0, 1, 0}
	dy4 := [4]int{0, -1, 0, 1}
	visited := make([]bool, w*h)
	var comps []ConnectedComponent
	elems := make([]int, 0, 64)
	for y := range h {
		for x := range w {
			start := labelOffset(w, x, y)
			if visited[start] || mask[start] == maskOff {
				continue
			}
			visited[start] = true
			elems = append(elems[:0], start)
			for c := 0; c < len(elems); c++ {
				cur := elems[c]
				cx, cy := cur%w, cur/w
				for k := range 4 {
					nx, ny := cx+dx4[k], cy+dy4[k]
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					nIdx := labelOffset(w, nx, ny)
					if !visited[nIdx] && mask[nIdx] != maskOff {
						visited[nIdx] = true
						elems = append(elems, nIdx)
					}
				}
			}
			pixels := make([]image.Point, len(elems))
			for i, e := range elems {
				pixels[i] = image.Point{X: e % w, Y: e / w}
			}
			comps = append(comps, ConnectedComponent{Pixels: pixels, Size: len(pixels)})
		}
	}
	return comps
}

// filterComponents clears components smaller than minSize from mask and
// returns how many survived.
func filterComponents(mask []uint8, w, h, minSize int) int {
	kept := 0
	for _, c := range ConnectedComponents(mask, w, h) {
		if c.Size >= minSize {
			kept++
			continue
		}
		for _, p := range c.Pixels {
			mask[labelOffset(w, p.X, p.Y)] = maskOff
		}
	}
	return kept
}

// occlusionMasks walks retained layers from nearest to farthest. Entry i is
// the union of the masks of all layers nearer than i.
func occlusionMasks(retained []retainedLayer, n int) [][]uint8 {
	arena := make([]uint8, n*len(retained))
	above := make([][]uint8, len(retained))
	acc := make([]uint8, n)
	for i := len(retained) - 1; i >= 0; i-- {
		above[i] = arena[i*n : (i+1)*n : (i+1)*n]
		copy(above[i], acc)
		for p, v := range retained[i].mask {
			if v != maskOff {
				acc[p] = maskOn
			}
		}
	}
	return above
}

func maskedImage(src *image.NRGBA, mask []uint8, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			if mask[labelOffset(w, x, y)] == maskOff {
				continue
			}
			o := pixOffset(src.Stride, x, y)
			d := pixOffset(dst.Stride, x, y)
			copy(dst.Pix[d:d+3], src.Pix[o:o+3])
			dst.Pix[d+3] = 255
		}
	}
	return dst
}

// compositeFill builds the blur-filled composite: sharp inside the layer's
// own mask, blurred where a nearer layer covers it, transparent elsewhere.
func compositeFill(src, blurred *image.NRGBA, own, above []uint8, w, h int) (*image.NRGBA, *image.Alpha) {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	fill := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			p := labelOffset(w, x, y)
			d := pixOffset(dst.Stride, x, y)
			switch {
			case own[p] != maskOff:
				o := pixOffset(src.Stride, x, y)
				copy(dst.Pix[d:d+3], src.Pix[o:o+3])
				dst.Pix[d+3] = 255
			case above[p] != maskOff:
				o := pixOffset(blurred.Stride, x, y)
				copy(dst.Pix[d:d+3], blurred.Pix[o:o+3])
				dst.Pix[d+3] = 255
				fill.Pix[y*fill.Stride+x] = 255
			}
		}
	}
	return dst, fill
}

func maskBounds(mask []uint8, w, h int) BoundingBox {
	minX, minY, maxX, maxY := w, h, -1, -1
	for y := range h {
		for x := range w {
			if mask[labelOffset(w, x, y)] == maskOff {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < 0 {
		return BoundingBox{}
	}
	return BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
}

// toNRGBA copies img into an origin-anchored NRGBA buffer.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}
