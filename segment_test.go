package depthlayer

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

// testPhoto is a deterministic colorful image.
func testPhoto(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: uint8((x + y) * 2), A: 255})
		}
	}
	return img
}

func alphaAt(img *image.NRGBA, x, y int) uint8 {
	return img.Pix[pixOffset(img.Stride, x, y)+3]
}

func TestConnectedComponents(t *testing.T) {
	w, h := 6, 4
	// Two blobs and a diagonal neighbour that is not 4-connected.
	rows := []string{
		"##..#.",
		"##...#",
		"......",
		"..####",
	}
	mask := make([]uint8, w*h)
	for y, row := range rows {
		for x, c := range row {
			if c == '#' {
				mask[labelOffset(w, x, y)] = maskOn
			}
		}
	}
	comps := ConnectedComponents(mask, w, h)
	sizes := make([]int, len(comps))
	for i, c := range comps {
		sizes[i] = c.Size
		if len(c.Pixels) != c.Size {
			t.Errorf("component %d: %d pixels, size %d", i, len(c.Pixels), c.Size)
		}
	}
	want := []int{4, 1, 1, 4}
	if len(sizes) != len(want) {
		t.Fatalf("sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("sizes = %v, want %v", sizes, want)
			break
		}
	}
}

func TestConnectedComponentsLargeRegion(t *testing.T) {
	// One component spanning far more pixels than a recursive fill could handle.
	w, h := 1000, 400
	mask := make([]uint8, w*h)
	for i := range mask {
		mask[i] = maskOn
	}
	comps := ConnectedComponents(mask, w, h)
	if len(comps) != 1 || comps[0].Size != w*h {
		t.Fatalf("got %d components, want one of %d pixels", len(comps), w*h)
	}
}

func TestSegmentTwoRegions(t *testing.T) {
	w, h := 64, 64
	q, err := Quantize(splitDepth(w, h, 0.1, 0.9), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	objs, err := Segment(testPhoto(w, h), q, DefaultSegmentOptions())
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d layers, want 2", len(objs))
	}
	far, near := objs[0], objs[1]
	if far.Depth >= near.Depth {
		t.Errorf("order: far depth %v >= near depth %v", far.Depth, near.Depth)
	}
	if far.ComponentCount != 1 || near.ComponentCount != 1 {
		t.Errorf("component counts = %d, %d; want 1, 1", far.ComponentCount, near.ComponentCount)
	}
	if want := (BoundingBox{X: 0, Y: 0, Width: 32, Height: 64}); far.Bounds != want {
		t.Errorf("far bounds = %+v, want %+v", far.Bounds, want)
	}
	if want := (BoundingBox{X: 32, Y: 0, Width: 32, Height: 64}); near.Bounds != want {
		t.Errorf("near bounds = %+v, want %+v", near.Bounds, want)
	}
	if far.FillMask != nil || far.BlurFill != nil {
		t.Error("fill images must be nil when blur fill is off")
	}
}

func TestSegmentNoFillIsTransparentOutsideMask(t *testing.T) {
	w, h := 64, 64
	q, err := Quantize(splitDepth(w, h, 0.1, 0.9), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	src := testPhoto(w, h)
	objs, err := Segment(src, q, SegmentOptions{MinObjectSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, obj := range objs {
		for y := range h {
			for x := range w {
				own := int(q.LayerAssignments[labelOffset(w, x, y)]) == obj.LayerID
				a := alphaAt(obj.Image, x, y)
				if own && a != 255 {
					t.Fatalf("layer %d: own pixel (%d,%d) alpha %d", obj.LayerID, x, y, a)
				}
				if !own && a != 0 {
					t.Fatalf("layer %d: foreign pixel (%d,%d) alpha %d", obj.LayerID, x, y, a)
				}
				if own {
					o := pixOffset(src.Stride, x, y)
					d := pixOffset(obj.Image.Stride, x, y)
					if src.Pix[o] != obj.Image.Pix[d] || src.Pix[o+1] != obj.Image.Pix[d+1] || src.Pix[o+2] != obj.Image.Pix[d+2] {
						t.Fatalf("layer %d: pixel (%d,%d) color differs from source", obj.LayerID, x, y)
					}
				}
			}
		}
	}
}

// bandsDepth builds three horizontal bands: far on top, mid in the middle,
// near at the bottom.
func bandsDepth(w, h int) *DepthMap {
	d := &DepthMap{Width: w, Height: h, Data: make([]float64, w*h)}
	for y := range h {
		for x := range w {
			v := 0.2
			switch {
			case y >= 2*h/3:
				v = 0.8
			case y >= h/3:
				v = 0.5
			}
			d.Data[labelOffset(w, x, y)] = v
		}
	}
	return d
}

func TestSegmentBlurFillInvariant(t *testing.T) {
	w, h := 48, 48
	q, err := Quantize(bandsDepth(w, h), 0.2)
	if err != nil {
		t.Fatal(err)
	}
	objs, err := Segment(testPhoto(w, h), q, SegmentOptions{MinObjectSize: 50, BlurFill: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 3 {
		t.Fatalf("got %d layers, want 3", len(objs))
	}
	for i, obj := range objs {
		if obj.BlurFill == nil || obj.FillMask == nil {
			t.Fatalf("layer %d missing fill images", i)
		}
		for y := range h {
			for x := range w {
				p := labelOffset(w, x, y)
				own := int(q.LayerAssignments[p]) == obj.LayerID
				nearer := false
				for _, other := range objs[i+1:] {
					if int(q.LayerAssignments[p]) == other.LayerID {
						nearer = true
					}
				}
				a := alphaAt(obj.BlurFill, x, y)
				fill := obj.FillMask.AlphaAt(x, y).A
				switch {
				case own:
					if a != 255 || fill != 0 {
						t.Fatalf("layer %d own (%d,%d): alpha %d fill %d", i, x, y, a, fill)
					}
				case nearer:
					if a != 255 || fill != 255 {
						t.Fatalf("layer %d covered (%d,%d): alpha %d fill %d", i, x, y, a, fill)
					}
				default:
					if a != 0 || fill != 0 {
						t.Fatalf("layer %d farther (%d,%d): alpha %d fill %d", i, x, y, a, fill)
					}
				}
				// The sharp image never contains fill.
				if !own && alphaAt(obj.Image, x, y) != 0 {
					t.Fatalf("layer %d sharp image has fill at (%d,%d)", i, x, y)
				}
			}
		}
	}
	// The nearest layer has nothing above it.
	last := objs[len(objs)-1]
	for _, v := range last.FillMask.Pix {
		if v != 0 {
			t.Fatal("nearest layer should have an empty fill mask")
		}
	}
}

func TestSegmentUncoveredStaysTransparent(t *testing.T) {
	// Pixels in a dropped noise component belong to no layer and must stay
	// transparent everywhere, even with fill on.
	w, h := 32, 32
	d := flatDepth(w, h, 0.1)
	for y := 10; y < 13; y++ {
		for x := 10; x < 13; x++ {
			d.Data[labelOffset(w, x, y)] = 0.9
		}
	}
	opt := DefaultQuantizeOptions()
	opt.NoiseFloor = 0
	q, err := QuantizeWith(d, 0.3, opt)
	if err != nil {
		t.Fatal(err)
	}
	objs, err := Segment(testPhoto(w, h), q, SegmentOptions{MinObjectSize: 100, BlurFill: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 {
		t.Fatalf("got %d layers, want 1", len(objs))
	}
	obj := objs[0]
	if a := alphaAt(obj.BlurFill, 11, 11); a != 0 {
		t.Errorf("hole alpha in composite = %d, want 0", a)
	}
	if a := alphaAt(obj.Image, 11, 11); a != 0 {
		t.Errorf("hole alpha in sharp image = %d, want 0", a)
	}
	if obj.Bounds != (BoundingBox{Width: 32, Height: 32}) {
		t.Errorf("bounds = %+v", obj.Bounds)
	}
}

func TestSegmentNeverEmitsEmptyLayers(t *testing.T) {
	w, h := 40, 40
	q, err := Quantize(gradientDepth(w, h), 0.05)
	if err != nil {
		t.Fatal(err)
	}
	for _, minSize := range []int{0, 1, 100, 5000} {
		objs, err := Segment(testPhoto(w, h), q, SegmentOptions{MinObjectSize: minSize})
		if err != nil {
			t.Fatal(err)
		}
		for _, obj := range objs {
			if obj.ComponentCount == 0 {
				t.Fatalf("minSize %d: layer %d has no components", minSize, obj.LayerID)
			}
		}
		if minSize == 5000 && len(objs) != 0 {
			t.Errorf("minSize 5000: got %d layers, want 0", len(objs))
		}
	}
}

func TestSegmentFiltersSmallComponents(t *testing.T) {
	w, h := 30, 30
	d := flatDepth(w, h, 0.1)
	// A big near block and a tiny near speck.
	for y := range 15 {
		for x := range 15 {
			d.Data[labelOffset(w, x, y)] = 0.9
		}
	}
	d.Data[labelOffset(w, 25, 25)] = 0.9
	q, err := Quantize(d, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	objs, err := Segment(testPhoto(w, h), q, SegmentOptions{MinObjectSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	near := objs[len(objs)-1]
	if near.ComponentCount != 1 {
		t.Errorf("near components = %d, want 1", near.ComponentCount)
	}
	if want := (BoundingBox{Width: 15, Height: 15}); near.Bounds != want {
		t.Errorf("near bounds = %+v, want %+v", near.Bounds, want)
	}
	if alphaAt(near.Image, 25, 25) != 0 {
		t.Error("speck should be removed from the near layer")
	}
}

func TestSegmentErrors(t *testing.T) {
	q, err := Quantize(flatDepth(8, 8, 0.3), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	var ie *InputError
	if _, err := Segment(testPhoto(4, 4), q, DefaultSegmentOptions()); !errors.As(err, &ie) {
		t.Errorf("size mismatch: err = %v, want InputError", err)
	}
	if _, err := Segment(nil, q, DefaultSegmentOptions()); !errors.As(err, &ie) {
		t.Errorf("nil image: err = %v, want InputError", err)
	}
	var pe *ParameterError
	if _, err := Segment(testPhoto(8, 8), q, SegmentOptions{MinObjectSize: -1}); !errors.As(err, &pe) {
		t.Errorf("negative min size: err = %v, want ParameterError", err)
	}
	if _, err := Segment(testPhoto(8, 8), q, SegmentOptions{BlurFill: -2}); !errors.As(err, &pe) {
		t.Errorf("negative blur: err = %v, want ParameterError", err)
	}
}

func TestSegmentOffsetBounds(t *testing.T) {
	// Images whose bounds do not start at the origin are handled.
	w, h := 64, 64
	q, err := Quantize(splitDepth(w, h, 0.1, 0.9), 0.3)
	if err != nil {
		t.Fatal(err)
	}
	big := testPhoto(w+10, h+10)
	sub := big.SubImage(image.Rect(10, 10, w+10, h+10))
	objs, err := Segment(sub, q, DefaultSegmentOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d layers, want 2", len(objs))
	}
	d := pixOffset(objs[0].Image.Stride, 0, 0)
	o := pixOffset(big.Stride, 10, 10)
	if objs[0].Image.Pix[d] != big.Pix[o] {
		t.Error("sub image not read from its own origin")
	}
}

func TestMaskBoundsEmpty(t *testing.T) {
	if got := maskBounds(make([]uint8, 9), 3, 3); got != (BoundingBox{}) {
		t.Errorf("bounds = %+v, want zero", got)
	}
}

func TestBlurKeepsFlatColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 9, 9))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 10, 120, 240, 255
	}
	out := blurNRGBA(img, 4)
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] != 10 || out.Pix[i+1] != 120 || out.Pix[i+2] != 240 || out.Pix[i+3] != 255 {
			t.Fatalf("pixel %d = %v", i/4, out.Pix[i:i+4])
		}
	}
	k := gaussianKernel(3)
	sum := 0.0
	for _, v := range k {
		sum += v
	}
	if len(k) != 7 || sum < 0.999999 || sum > 1.000001 {
		t.Errorf("kernel len %d sum %v", len(k), sum)
	}
}
