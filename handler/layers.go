package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/setanarut/depthlayer"
	"github.com/setanarut/depthlayer/config"
	"github.com/setanarut/depthlayer/middleware"
	"github.com/setanarut/depthlayer/model"
	"github.com/setanarut/depthlayer/service"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
)

const invalidImageMessage = "Invalid image data"

// LayerService is the part of service.LayerService the handlers use.
type LayerService interface {
	DefaultParams() service.Params
	Process(ctx context.Context, req service.LayerRequest) (*model.LayerResult, bool, error)
	Get(ctx context.Context, key string) (*model.LayerResult, error)
	EstimateDepth(ctx context.Context, data []byte) (*depthlayer.DepthMap, error)
}

type LayerHandler struct {
	cfg     *config.UploadConfig
	service LayerService
}

func NewLayerHandler(cfg *config.UploadConfig, svc LayerService) *LayerHandler {
	return &LayerHandler{cfg: cfg, service: svc}
}

// Health reports liveness.
func (h *LayerHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Depth answers POST /api/depth with a grayscale depth PNG of the uploaded
// "file", sized like the image.
func (h *LayerHandler) Depth(c *gin.Context) {
	data, ok := h.readUpload(c, "file", true)
	if !ok {
		return
	}
	d, err := h.service.EstimateDepth(c.Request.Context(), data)
	if err != nil {
		h.fail(c, "depth estimation failed", err)
		return
	}
	body, err := utils.EncodePNG(depthlayer.Visualize(d, depthlayer.VisualizeGray))
	if err != nil {
		h.fail(c, "depth encoding failed", err)
		return
	}
	c.Header("X-Depth-Width", strconv.Itoa(d.Width))
	c.Header("X-Depth-Height", strconv.Itoa(d.Height))
	c.Data(http.StatusOK, "image/png", body)
}

// Upload answers POST /api/v1/layers.
func (h *LayerHandler) Upload(c *gin.Context) {
	img, ok := h.readUpload(c, "image", true)
	if !ok {
		return
	}
	depth, ok := h.readUpload(c, "depth", false)
	if !ok {
		return
	}
	params, err := h.parseParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "invalid parameter",
			Error:   err.Error(),
		})
		return
	}

	result, cached, err := h.service.Process(c.Request.Context(), service.LayerRequest{
		Image:  img,
		Depth:  depth,
		Params: params,
	})
	if err != nil {
		h.fail(c, "image processing failed", err)
		return
	}

	c.Set(middleware.CacheHitKey, cached)
	c.Set(middleware.LayerCountKey, len(result.Layers))
	msg := "processed"
	if cached {
		msg = "processed (cached)"
	}
	c.JSON(http.StatusOK, model.LayerResponse{
		Success: true,
		Message: msg,
		Cached:  cached,
		Data:    result,
	})
}

// GetByKey answers GET /api/v1/layers/:key from the cache.
func (h *LayerHandler) GetByKey(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "missing key",
		})
		return
	}
	result, err := h.service.Get(c.Request.Context(), key)
	if err != nil {
		utils.Logger.Error("failed to get layer result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "lookup failed",
			Error:   err.Error(),
		})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "no layers stored for this key",
		})
		return
	}
	c.JSON(http.StatusOK, model.LayerResponse{
		Success: true,
		Message: "found",
		Cached:  true,
		Data:    result,
	})
}

// readUpload returns the bytes of a multipart field. A missing optional
// field yields (nil, true). On failure the response is already written.
func (h *LayerHandler) readUpload(c *gin.Context, field string, required bool) ([]byte, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		if !required && errors.Is(err, http.ErrMissingFile) {
			return nil, true
		}
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("missing upload field %q", field),
			Error:   err.Error(),
		})
		return nil, false
	}
	if h.cfg.MaxSize > 0 && file.Size > h.cfg.MaxSize {
		c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("file exceeds the %d MB limit", h.cfg.MaxSize/(1024*1024)),
		})
		return nil, false
	}
	if !h.isAllowedType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: invalidImageMessage,
			Error:   "unsupported content type " + file.Header.Get("Content-Type"),
		})
		return nil, false
	}
	data, err := readFileHeader(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: invalidImageMessage,
			Error:   err.Error(),
		})
		return nil, false
	}
	return data, true
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// isAllowedType accepts an empty or generic content type and leaves the
// decision to the decoder.
func (h *LayerHandler) isAllowedType(contentType string) bool {
	ct := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if ct == "" || ct == "application/octet-stream" || len(h.cfg.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedTypes {
		if strings.EqualFold(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *LayerHandler) parseParams(c *gin.Context) (service.Params, error) {
	p := h.service.DefaultParams()
	if v, ok := c.GetPostForm("granularity"); ok {
		g, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("granularity: %w", err)
		}
		p.Granularity = g
	}
	if v, ok := c.GetPostForm("min_object_size"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("min_object_size: %w", err)
		}
		p.MinObjectSize = n
	}
	if v, ok := c.GetPostForm("blur_fill"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("blur_fill: %w", err)
		}
		p.BlurFill = n
	}
	if v, ok := c.GetPostForm("arrangement"); ok {
		p.Arrangement = v
	}
	return p, nil
}

// fail maps pipeline errors to status codes: bad input and parameters are
// 400, a full queue or missing model 503, anything else 500.
func (h *LayerHandler) fail(c *gin.Context, msg string, err error) {
	var (
		inputErr    *depthlayer.InputError
		paramErr    *depthlayer.ParameterError
		pipelineErr *depthlayer.PipelineError
	)
	if errors.As(err, &pipelineErr) {
		c.Set(middleware.FailedStageKey, string(pipelineErr.Stage))
	}
	_ = c.Error(err)
	switch {
	case errors.As(err, &inputErr) && errors.Is(err, utils.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Success: false, Message: invalidImageMessage, Error: err.Error()})
	case errors.As(err, &inputErr), errors.As(err, &paramErr):
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Success: false, Message: msg, Error: err.Error()})
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, depthlayer.ErrNoProvider):
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{Success: false, Message: msg, Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Success: false, Message: msg, Error: err.Error()})
	}
}
