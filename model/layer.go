package model

import "github.com/setanarut/depthlayer"

// LayerResult is the cached, client-facing form of one pipeline run.
type LayerResult struct {
	ID                 string              `json:"id"`
	Key                string              `json:"key"`
	MD5                string              `json:"md5"`
	Width              int                 `json:"width"`
	Height             int                 `json:"height"`
	Layers             []Layer             `json:"layers"`
	DepthVisualization string              `json:"depth_visualization"` // base64 PNG
	Metadata           depthlayer.Metadata `json:"metadata"`
	Timestamp          int64               `json:"timestamp"`
}

// Layer is one positioned layer. Image fields are base64 PNG.
type Layer struct {
	ID             int      `json:"id"`
	Depth          float64  `json:"depth"`
	DepthZ         float64  `json:"depth_z"`
	ZPosition      float64  `json:"z_position"`
	ParallaxFactor float64  `json:"parallax_factor"`
	BoundingBox    BBox     `json:"bounding_box"`
	ComponentCount int      `json:"component_count"`
	Image          string   `json:"image"`
	FillMask       string   `json:"fill_mask,omitempty"`
	BlurFill       string   `json:"blur_fill,omitempty"`
	Swatch         []string `json:"swatch,omitempty"`
}

type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type LayerResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Cached  bool         `json:"cached"`
	Data    *LayerResult `json:"data,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
