package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/setanarut/depthlayer"
	"github.com/setanarut/depthlayer/config"
	"github.com/setanarut/depthlayer/model"
	"github.com/setanarut/depthlayer/middleware"
	"github.com/setanarut/depthlayer/service"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func photo(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: 40, B: uint8(y * 3), A: 255})
		}
	}
	return img
}

func halfDepth(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(25)
			if x >= w/2 {
				v = 230
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

type part struct {
	field, contentType string
	data               []byte
}

func multipartRequest(t *testing.T, url string, parts []part, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="upload"`)
		hdr.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(p.data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newTestRouter(provider depthlayer.Provider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Pipeline.QueueTimeout = time.Second
	svc := service.NewLayerService(&cfg.Pipeline, 0, provider, service.NewMemoryCache(16, time.Hour))
	return NewRouter(NewLayerHandler(&cfg.Upload, svc), BuildInfo{Version: "test"}, 0)
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || len(body) != 1 {
		t.Errorf("body = %v, want {status: ok}", body)
	}
}

func TestVersion(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	var info BuildInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Version != "test" {
		t.Errorf("version = %q", info.Version)
	}
}

func TestDepthReturnsPNG(t *testing.T) {
	r := newTestRouter(depthlayer.ImageProvider{Depth: halfDepth(16, 16)})
	req := multipartRequest(t, "/api/depth", []part{{"file", "image/png", pngBytes(t, photo(40, 30))}}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if w.Header().Get("X-Depth-Width") != "40" || w.Header().Get("X-Depth-Height") != "30" {
		t.Errorf("depth headers = %s x %s", w.Header().Get("X-Depth-Width"), w.Header().Get("X-Depth-Height"))
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Errorf("depth png is %T, want grayscale", img)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Errorf("bounds = %v", img.Bounds())
	}
}

func TestDepthInvalidData(t *testing.T) {
	r := newTestRouter(depthlayer.ImageProvider{Depth: halfDepth(16, 16)})
	req := multipartRequest(t, "/api/depth", []part{{"file", "image/png", []byte("not an image")}}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Invalid image data" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestDepthMissingFile(t *testing.T) {
	req := multipartRequest(t, "/api/depth", nil, map[string]string{"x": "y"})
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDepthWithoutModel(t *testing.T) {
	req := multipartRequest(t, "/api/depth", []part{{"file", "image/png", pngBytes(t, photo(8, 8))}}, nil)
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestUploadAndGetByKey(t *testing.T) {
	r := newTestRouter(nil)
	parts := []part{
		{"image", "image/png", pngBytes(t, photo(64, 64))},
		{"depth", "image/png", pngBytes(t, halfDepth(64, 64))},
	}
	fields := map[string]string{"arrangement": "fill-range", "blur_fill": "3"}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/layers", parts, fields))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp model.LayerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Cached || resp.Data == nil {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Data.Layers) != 2 {
		t.Fatalf("layers = %d, want 2", len(resp.Data.Layers))
	}
	if resp.Data.Layers[0].ZPosition != -400 || resp.Data.Layers[1].ZPosition != 200 {
		t.Errorf("z = %v, %v", resp.Data.Layers[0].ZPosition, resp.Data.Layers[1].ZPosition)
	}
	if resp.Data.Layers[0].BlurFill == "" || resp.Data.Layers[0].FillMask == "" {
		t.Error("blur fill requested but missing")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "/api/v1/layers", parts, fields))
	var again model.LayerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if !again.Cached {
		t.Error("second upload not served from cache")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/layers/"+resp.Data.Key, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/layers/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", w.Code)
	}
}

func TestUploadBadParameters(t *testing.T) {
	r := newTestRouter(depthlayer.ImageProvider{Depth: halfDepth(8, 8)})
	img := []part{{"image", "image/png", pngBytes(t, photo(16, 16))}}
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"unparsable granularity", map[string]string{"granularity": "coarse"}},
		{"negative min object size", map[string]string{"min_object_size": "-5"}},
		{"negative blur", map[string]string{"blur_fill": "-1"}},
		{"unknown arrangement", map[string]string{"arrangement": "spiral"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, multipartRequest(t, "/api/v1/layers", img, tt.fields))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestUploadRejectsContentType(t *testing.T) {
	req := multipartRequest(t, "/api/v1/layers", []part{{"image", "text/plain", []byte("hello")}}, nil)
	w := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUploadLogsOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer utils.SetLogger(zap.New(core))()
	r := newTestRouter(depthlayer.ImageProvider{Depth: halfDepth(64, 64)})
	img := []part{{"image", "image/png", pngBytes(t, photo(64, 64))}}

	r.ServeHTTP(httptest.NewRecorder(), multipartRequest(t, "/api/v1/layers", img, nil))
	r.ServeHTTP(httptest.NewRecorder(), multipartRequest(t, "/api/v1/layers", img, map[string]string{"blur_fill": "-1"}))

	entries := logs.FilterMessage("request").All()
	if len(entries) != 2 {
		t.Fatalf("got %d request lines, want 2", len(entries))
	}
	ok := entries[0].ContextMap()
	if ok[middleware.CacheHitKey] != false || ok[middleware.LayerCountKey] != int64(2) {
		t.Errorf("success line = %v", ok)
	}
	bad := entries[1]
	if bad.Level != zapcore.WarnLevel || bad.ContextMap()[middleware.FailedStageKey] != string(depthlayer.StageInput) {
		t.Errorf("failure line = %v %v", bad.Level, bad.ContextMap())
	}
}
