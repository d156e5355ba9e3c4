package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/setanarut/depthlayer"
	"github.com/setanarut/depthlayer/config"
	"github.com/setanarut/depthlayer/handler"
	"github.com/setanarut/depthlayer/onnxdepth"
	"github.com/setanarut/depthlayer/service"
	"github.com/setanarut/depthlayer/utils"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "split":
		if err := runSplit(os.Args[2:]); err != nil {
			fail(err)
		}
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fail(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: depthlayer <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  split -in photo.jpg (-depth depth.png | -model model.onnx) -out dir [-granularity 0.3] [-min-object 100] [-blur 0] [-arrangement fixed-step] [-palette 0] [-palette-method kmeans] [-vis gray] [-v]")
	fmt.Fprintln(os.Stderr, "  serve [-config config.yaml]")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// layerFile describes one written layer in layers.json.
type layerFile struct {
	ID             int                    `json:"id"`
	Depth          float64                `json:"depth"`
	ZPosition      float64                `json:"zPosition"`
	ParallaxFactor float64                `json:"parallaxFactor"`
	Bounds         depthlayer.BoundingBox `json:"bounds"`
	ComponentCount int                    `json:"componentCount"`
	Image          string                 `json:"image"`
	FillMask       string                 `json:"fillMask,omitempty"`
	BlurFill       string                 `json:"blurFill,omitempty"`
	Swatch         []string               `json:"swatch,omitempty"`
	SwatchImage    string                 `json:"swatchImage,omitempty"`
}

type manifest struct {
	Source   string              `json:"source"`
	Depth    string              `json:"depth"`
	Metadata depthlayer.Metadata `json:"metadata"`
	Layers   []layerFile         `json:"layers"`
}

func runSplit(args []string) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	inPath := fs.String("in", "", "input photo (png, jpeg, gif, webp)")
	depthPath := fs.String("depth", "", "precomputed depth image, white = near")
	modelPath := fs.String("model", "", "ONNX depth model")
	ortPath := fs.String("ort", "", "onnxruntime shared library")
	outDir := fs.String("out", "", "output directory")
	granularity := fs.Float64("granularity", 0.3, "layer granularity in [0.05, 1]")
	minObject := fs.Int("min-object", 100, "minimum component size in pixels")
	blur := fs.Int("blur", 0, "blur fill radius, 0 disables fill")
	arrangement := fs.String("arrangement", depthlayer.ArrangementFixedStep, "fixed-step or fill-range")
	palette := fs.Int("palette", 0, "swatch colors per layer")
	paletteMethod := fs.String("palette-method", "kmeans", "swatch extraction: kmeans or dominantcolor")
	vis := fs.String("vis", "gray", "depth visualization: gray or color")
	verbose := fs.Bool("v", false, "log stage timings")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" || *outDir == "" || (*depthPath == "" && *modelPath == "") {
		return errors.New("missing required arguments")
	}
	if *verbose {
		if err := utils.InitLogger("debug"); err != nil {
			return err
		}
		defer utils.Sync()
	}

	img, err := utils.ReadImage(filepath.Clean(*inPath))
	if err != nil {
		return err
	}

	var provider depthlayer.Provider
	if *depthPath != "" {
		depthImg, err := utils.ReadImage(filepath.Clean(*depthPath))
		if err != nil {
			return err
		}
		provider = depthlayer.ImageProvider{Depth: depthImg}
	} else {
		opts := onnxdepth.DefaultOptions()
		opts.ModelPath = *modelPath
		opts.ORTSharedLibraryPath = *ortPath
		p, err := onnxdepth.New(opts)
		if err != nil {
			return err
		}
		defer p.Close()
		provider = p
	}

	arr, err := depthlayer.ArrangementByName(*arrangement)
	if err != nil {
		return err
	}
	opt := depthlayer.DefaultOptions()
	opt.Granularity = *granularity
	opt.MinObjectSize = *minObject
	opt.BlurFill = *blur
	opt.Arrangement = arr
	opt.PaletteSize = *palette
	opt.PaletteMethod = utils.ParsePaletteMethod(*paletteMethod)
	opt.Visualization = depthlayer.ParseVisualizationMode(*vis)
	opt.OnProgress = func(s depthlayer.Stage, v float64) {
		if v == 1 {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", s.Index()+1, len(depthlayer.ProgressStages), s)
		}
	}

	res, err := depthlayer.New(provider).Process(context.Background(), img, opt)
	if err != nil {
		return err
	}
	return writeLayers(*outDir, *inPath, res)
}

func writeLayers(dir, source string, res *depthlayer.PipelineResult) error {
	m := manifest{
		Source:   filepath.Base(source),
		Depth:    "depth.png",
		Metadata: res.Metadata,
		Layers:   make([]layerFile, 0, len(res.Layers)),
	}
	if err := utils.SaveBytes(res.DepthVisualization, filepath.Join(dir, m.Depth)); err != nil {
		return err
	}
	for i, l := range res.Layers {
		lf := layerFile{
			ID:             l.ID,
			Depth:          l.Depth,
			ZPosition:      l.ZPosition,
			ParallaxFactor: l.ParallaxFactor,
			Bounds:         l.Bounds,
			ComponentCount: l.ComponentCount,
			Image:          fmt.Sprintf("layer_%02d.png", i),
			Swatch:         l.Swatch,
		}
		if err := utils.SaveBytes(l.Image, filepath.Join(dir, lf.Image)); err != nil {
			return err
		}
		if l.FillMask != nil {
			lf.FillMask = fmt.Sprintf("layer_%02d_fill_mask.png", i)
			if err := utils.SaveBytes(l.FillMask, filepath.Join(dir, lf.FillMask)); err != nil {
				return err
			}
		}
		if l.BlurFill != nil {
			lf.BlurFill = fmt.Sprintf("layer_%02d_blur_fill.png", i)
			if err := utils.SaveBytes(l.BlurFill, filepath.Join(dir, lf.BlurFill)); err != nil {
				return err
			}
		}
		if len(l.Swatch) > 0 {
			lf.SwatchImage = fmt.Sprintf("layer_%02d_swatch.png", i)
			if err := saveSwatch(l.Swatch, filepath.Join(dir, lf.SwatchImage)); err != nil {
				return err
			}
		}
		m.Layers = append(m.Layers, lf)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.SaveBytes(data, filepath.Join(dir, "layers.json")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d layers written to %s\n", len(res.Layers), dir)
	return nil
}

func saveSwatch(hexes []string, filename string) error {
	palette := make([]colorful.Color, 0, len(hexes))
	for _, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return err
		}
		palette = append(palette, c)
	}
	utils.SortPaletteByBrightness(palette)
	return utils.SavePalette(palette, 32, filename)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default ./config.yaml if present)")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.New()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer utils.Sync()

	utils.Logger.Info("starting depthlayer server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	var provider depthlayer.Provider
	if cfg.Depth.ModelPath != "" {
		opts := onnxdepth.DefaultOptions()
		opts.ModelPath = cfg.Depth.ModelPath
		opts.ORTSharedLibraryPath = cfg.Depth.ORTLibraryPath
		opts.InputWidth = cfg.Depth.InputWidth
		opts.InputHeight = cfg.Depth.InputHeight
		opts.InputName = cfg.Depth.InputName
		opts.OutputName = cfg.Depth.OutputName
		p, err := onnxdepth.New(opts)
		if err != nil {
			return fmt.Errorf("failed to load depth model: %w", err)
		}
		defer p.Close()
		provider = p
	} else {
		utils.Logger.Warn("no depth model configured, uploads must include a depth image")
	}

	var cache service.ResultCache = service.NewMemoryCache(256, cfg.Redis.TTL)
	if cfg.Redis.Enabled {
		redisService := service.NewRedisService(&cfg.Redis)
		if err := redisService.Ping(context.Background()); err != nil {
			utils.Logger.Warn("redis connection failed, using in-memory cache", zap.Error(err))
		} else {
			utils.Logger.Info("redis connected successfully")
			cache = redisService
		}
		defer redisService.Close()
	}

	svc := service.NewLayerService(&cfg.Pipeline, cfg.Depth.Timeout, provider, cache)
	h := handler.NewLayerHandler(&cfg.Upload, svc)

	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(h, handler.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, cfg.Upload.MaxSize)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	utils.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
