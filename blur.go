package depthlayer

import (
	"image"

	"gonum.org/v1/gonum/stat/distuv"
)

// gaussianKernel returns normalized weights for offsets -radius..radius.
// Sigma is radius/2 so the tails reach ~2 sigma.
func gaussianKernel(radius int) []float64 {
	sigma := max(float64(radius)/2, 0.5)
	n := distuv.Normal{Mu: 0, Sigma: sigma}
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range k {
		k[i] = n.Prob(float64(i - radius))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blurNRGBA applies a separable Gaussian blur to the color channels of src.
// Edges are clamped. The result is fully opaque.
func blurNRGBA(src *image.NRGBA, radius int) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if radius <= 0 {
		copy(dst.Pix, src.Pix)
		return dst
	}
	kernel := gaussianKernel(radius)

	// Horizontal pass into a float buffer, vertical pass into dst.
	tmp := make([]float32, w*h*3)
	for y := range h {
		row := src.Pix[y*src.Stride:]
		for x := range w {
			var r, g, bl float64
			for k, wt := range kernel {
				sx := clampInt(x+k-radius, 0, w-1) * 4
				r += wt * float64(row[sx])
				g += wt * float64(row[sx+1])
				bl += wt * float64(row[sx+2])
			}
			off := (y*w + x) * 3
			tmp[off] = float32(r)
			tmp[off+1] = float32(g)
			tmp[off+2] = float32(bl)
		}
	}
	for y := range h {
		for x := range w {
			var r, g, bl float64
			for k, wt := range kernel {
				off := (clampInt(y+k-radius, 0, h-1)*w + x) * 3
				r += wt * float64(tmp[off])
				g += wt * float64(tmp[off+1])
				bl += wt * float64(tmp[off+2])
			}
			o := pixOffset(dst.Stride, x, y)
			dst.Pix[o] = clampByte(r)
			dst.Pix[o+1] = clampByte(g)
			dst.Pix[o+2] = clampByte(bl)
			dst.Pix[o+3] = 255
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	return uint8(max(0, min(255, v+0.5)))
}
