//go:build cgo

package onnxdepth

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/setanarut/depthlayer"
	"github.com/setanarut/depthlayer/utils"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// Provider runs the depth model. One session is shared; calls are serialized.
type Provider struct {
	opts    Options
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ depthlayer.Provider = (*Provider)(nil)

// New loads the model at opts.ModelPath. Close releases it.
func New(opts Options) (*Provider, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := acquireEnvironment(opts.ORTSharedLibraryPath); err != nil {
		return nil, err
	}
	w, h := int64(opts.InputWidth), int64(opts.InputHeight)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, h, w))
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, h, w))
	if err != nil {
		input.Destroy()
		releaseEnvironment()
		return nil, err
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		output.Destroy()
		input.Destroy()
		releaseEnvironment()
		return nil, err
	}
	utils.Logger.Info("depth model loaded",
		zap.String("model", opts.ModelPath),
		zap.Int("input_width", opts.InputWidth),
		zap.Int("input_height", opts.InputHeight))
	return &Provider{opts: opts, session: session, input: input, output: output}, nil
}

// EstimateDepth returns a depth map at the model's output resolution. The
// inference itself cannot be interrupted; when ctx ends first the call
// returns ctx.Err() and the run completes in the background.
func (p *Provider) EstimateDepth(ctx context.Context, img image.Image) (*depthlayer.DepthMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := Preprocess(img, p.opts)

	type result struct {
		depth *depthlayer.DepthMap
		err   error
	}
	done := make(chan result, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.session == nil {
			done <- result{err: ErrClosed}
			return
		}
		copy(p.input.GetData(), data)
		if err := p.session.Run(); err != nil {
			done <- result{err: err}
			return
		}
		d, err := depthFromOutput(p.output.GetData(), p.opts.InputWidth, p.opts.InputHeight)
		done <- result{depth: d, err: err}
	}()

	select {
	case r := <-done:
		return r.depth, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	p.input.Destroy()
	p.output.Destroy()
	p.session = nil
	releaseEnvironment()
	return err
}
