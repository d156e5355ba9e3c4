//go:build !cgo

package onnxdepth

import (
	"context"
	"image"

	"github.com/setanarut/depthlayer"
)

// Provider is unavailable without cgo.
type Provider struct{}

// New returns ErrCGORequired.
func New(opts Options) (*Provider, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return nil, ErrCGORequired
}

func (p *Provider) EstimateDepth(context.Context, image.Image) (*depthlayer.DepthMap, error) {
	return nil, ErrCGORequired
}

func (p *Provider) Close() error { return nil }
