package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	imagesegmenter "github.com/menta2k/image-segmenter"
	"github.com/menta2k/image-segmenter/internal/config"
	"github.com/menta2k/image-segmenter/internal/logging"
	"github.com/menta2k/image-segmenter/internal/utils"
	"github.com/menta2k/image-segmenter/pkg/session"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// report is written next to the mask
type report struct {
	Input      string                `json:"input"`
	ExchangeID string                `json:"exchange_id"`
	Selection  types.Selection       `json:"selection"`
	Rect       types.Rect            `json:"rect"`
	ElapsedMS  int64                 `json:"elapsed_ms"`
	Suggestion *types.AnalysisResult `json:"suggestion,omitempty"`
	Files      []string              `json:"files"`
}

func main() {
	var in, outDir, url, selection, viewport, format, configPath, envFile string
	var backend, model, visionURL, logFile string
	var timeout time.Duration
	var overlay, cutout, suggest, debug bool

	flag.StringVar(&in, "in", "", "input image path or URL (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&url, "url", "", "segmentation service URL (default ws://localhost:9000)")
	flag.StringVar(&selection, "selection", "", "normalized selection left,top,width,height (default 0.25,0.25,0.5,0.5)")
	flag.StringVar(&viewport, "viewport", "", "viewport the image is fitted into, WxH (default 1280x800)")
	flag.DurationVar(&timeout, "timeout", 0, "exchange timeout (default 60s)")
	flag.StringVar(&format, "format", "", "output format: png|jpg|webp")
	flag.BoolVar(&overlay, "overlay", false, "also write the mask overlaid on the input")
	flag.BoolVar(&cutout, "cutout", false, "also write the input with everything outside the mask transparent")

	flag.BoolVar(&suggest, "suggest", false, "ask a vision model for the initial selection")
	flag.StringVar(&backend, "backend", "", "vision backend: ollama, llamacpp or saliency (no model server)")
	flag.StringVar(&model, "model", "", "vision model name")
	flag.StringVar(&visionURL, "vision-url", "", "vision server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")

	flag.StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	flag.StringVar(&envFile, "env", "", "env file with SEGMENTER_* overrides (default .env when present)")
	flag.StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	flag.BoolVar(&debug, "debug", false, "debug logging and a selection preview image")

	flag.Parse()
	if in == "" {
		log.Fatalf("usage: %s -in input.jpg|URL [-url ws://host:9000] [-selection l,t,w,h] [-out outdir] [-format png|jpg|webp] [-overlay] [-suggest -backend ollama|llamacpp -model name]", filepath.Base(os.Args[0]))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		log.Fatal(err)
	}

	// Flags override config and environment
	var sel *types.Selection
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.OutputDir = outDir
		case "url":
			cfg.Server.URL = url
		case "viewport":
			w, h, err := parseViewport(viewport)
			if err != nil {
				log.Fatal(err)
			}
			cfg.Viewport.Width, cfg.Viewport.Height = w, h
		case "timeout":
			cfg.Server.TimeoutSeconds = timeout.Seconds()
		case "format":
			cfg.Output.Format = strings.ToLower(format)
		case "suggest":
			cfg.Vision.Enabled = suggest
		case "backend":
			cfg.Vision.Backend = backend
		case "model":
			cfg.Vision.Model = model
		case "vision-url":
			cfg.Vision.URL = visionURL
		case "log-file":
			cfg.Log.File = logFile
		case "selection":
			s, err := parseSelection(selection)
			if err != nil {
				log.Fatal(err)
			}
			sel = &s
		}
	})
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, closer, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	seg, err := imagesegmenter.NewWithConfig(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, seg, in, sel, overlay, cutout, debug); err != nil {
		logger.Error("segmentation failed", "input", in, "error", err)
		log.Fatal(err)
	}
}

func run(ctx context.Context, seg *imagesegmenter.Segmenter, in string, sel *types.Selection, overlay, cutout, debug bool) error {
	cfg := seg.Config()
	outDir := cfg.Output.OutputDir
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	img, err := seg.LoadImage(in)
	if err != nil {
		return err
	}

	sess := seg.NewSession()
	defer sess.Close()
	sess.AddListener(func(prev, next session.State) {
		log.Printf("%s -> %s", prev, next)
	})
	if err := sess.Load(img); err != nil {
		return err
	}

	rep := report{Input: in}
	if sel == nil && cfg.Vision.Enabled {
		suggested, result, err := seg.SuggestSelection(ctx, img)
		if err != nil {
			log.Printf("suggestion failed, using default selection: %v", err)
		} else {
			log.Printf("suggested %q conf=%.2f box=%.3fx%.3f@%.3f,%.3f",
				result.Primary.Label, result.Primary.Confidence,
				suggested.Width, suggested.Height, suggested.Left, suggested.Top)
			rep.Suggestion = result
			sel = &suggested
		}
	}
	if sel != nil {
		if err := sess.SetSelection(*sel); err != nil {
			return err
		}
	}

	if debug {
		preview, err := seg.Preview(sess)
		if err != nil {
			return err
		}
		path := utils.GenerateOutputFilename(in, outDir, "_selection", cfg.Output.Format)
		if err := seg.SaveImage(preview, path); err != nil {
			log.Printf("preview save failed: %v", err)
		} else {
			log.Printf("wrote %s", path)
			rep.Files = append(rep.Files, path)
		}
	}

	res, err := sess.Submit(ctx)
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) {
			return fmt.Errorf("%s failure: %w", serr.Kind, err)
		}
		return err
	}
	rep.ExchangeID = res.ExchangeID
	rep.Selection = res.Selection
	rep.Rect = res.Rect
	rep.ElapsedMS = res.Elapsed.Milliseconds()

	maskPath := utils.GenerateOutputFilename(in, outDir, cfg.Output.Suffix, cfg.Output.Format)
	if err := seg.SaveImage(res.Mask, maskPath); err != nil {
		return fmt.Errorf("save mask: %w", err)
	}
	log.Printf("wrote %s", maskPath)
	rep.Files = append(rep.Files, maskPath)

	if overlay {
		path := utils.GenerateOutputFilename(in, outDir, "_overlay", cfg.Output.Format)
		if err := seg.SaveImage(seg.Overlay(img, res.Mask), path); err != nil {
			log.Printf("overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", path)
			rep.Files = append(rep.Files, path)
		}
	}
	if cutout {
		// jpg has no alpha channel
		path := utils.GenerateOutputFilename(in, outDir, "_cutout", "png")
		if err := seg.SaveImageAs(seg.Cutout(img, res.Mask), path, "png"); err != nil {
			log.Printf("cutout save failed: %v", err)
		} else {
			log.Printf("wrote %s", path)
			rep.Files = append(rep.Files, path)
		}
	}

	return writeReport(rep, utils.GenerateOutputFilename(in, outDir, "_result", "json"))
}

// writeReport stores the run report as indented JSON
func writeReport(rep report, path string) error {
	js, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, js, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// loadConfig reads path, or the default config file when it exists
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); utils.FileExists(def) {
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

// parseSelection parses "left,top,width,height"
func parseSelection(s string) (types.Selection, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return types.Selection{}, fmt.Errorf("invalid selection %q: want left,top,width,height", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.Selection{}, fmt.Errorf("invalid selection %q: %w", s, err)
		}
		v[i] = f
	}
	return types.Selection{Left: v[0], Top: v[1], Width: v[2], Height: v[3]}, nil
}

// parseViewport parses "WxH"
func parseViewport(s string) (float64, float64, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid viewport %q: want WxH", s)
	}
	width, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid viewport %q: %w", s, err)
	}
	height, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid viewport %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid viewport %q: sides must be positive", s)
	}
	return width, height, nil
}
