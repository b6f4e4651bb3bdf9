// Package imagesegmenter is a client for interactive rectangle-based image
// segmentation.
//
// An image is loaded into a session, a rectangular region of interest is
// placed on it and submitted to a segmentation service over a websocket.
// The service answers with a mask image that can be overlaid on the
// original, refined with add/remove strokes, or used to cut the subject out.
//
// Basic usage:
//
//	seg := imagesegmenter.New()
//	img, err := seg.LoadImage("photo.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := seg.SegmentImage(ctx, img, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := seg.SaveImage(seg.Overlay(img, res.Mask), "photo_overlay.png"); err != nil {
//		log.Fatal(err)
//	}
//
// The package consists of these components:
//
//  1. Geometry (pkg/geometry): fitting and rectangle conversions between
//     selection, display and original space
//  2. Session (pkg/session): the selection/waiting/review workflow
//  3. Transport (pkg/transport): websocket connections to the service
//  4. Processing (pkg/processing): image loading, saving and mask overlays
//  5. Detection (pkg/detection): optional initial selection from a vision model
package imagesegmenter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"

	"github.com/menta2k/image-segmenter/internal/config"
	"github.com/menta2k/image-segmenter/pkg/client"
	"github.com/menta2k/image-segmenter/pkg/detection"
	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/llamacpp"
	"github.com/menta2k/image-segmenter/pkg/ollama"
	"github.com/menta2k/image-segmenter/pkg/processing"
	"github.com/menta2k/image-segmenter/pkg/session"
	"github.com/menta2k/image-segmenter/pkg/transport"
	"github.com/menta2k/image-segmenter/pkg/types"
	"github.com/menta2k/image-segmenter/pkg/vision"
)

// Version of the image segmenter library
const Version = "1.0.0"

// ErrVisionDisabled is returned by SuggestSelection when no vision backend is configured
var ErrVisionDisabled = errors.New("vision suggestion is disabled")

// Segmenter provides a high-level interface over sessions, transport and image processing
type Segmenter struct {
	cfg       *config.Config
	logger    *slog.Logger
	processor *processing.Processor
	dialer    *transport.Dialer
	suggester *detection.Suggester
}

// New creates a Segmenter with the default configuration
func New() *Segmenter {
	s, err := NewWithConfig(config.Default(), nil)
	if err != nil {
		// the default configuration is always valid
		panic(err)
	}
	return s
}

// NewWithConfig creates a Segmenter from cfg. A nil logger discards output.
func NewWithConfig(cfg *config.Config, logger *slog.Logger) (*Segmenter, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Segmenter{
		cfg:       cfg,
		logger:    logger,
		processor: processing.NewProcessor(),
		dialer:    transport.NewDialer(cfg.Server.URL, logger),
	}

	if cfg.Vision.Enabled {
		vc, err := NewVisionClient(cfg.Vision.Backend, cfg.Vision.URL)
		if err != nil {
			return nil, err
		}
		s.suggester = detection.NewSuggester(vc)
	}
	return s, nil
}

// NewVisionClient creates the vision client for backend "ollama", "llamacpp"
// or the model-free "saliency".
// An empty URL selects the backend's default.
func NewVisionClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	case "saliency":
		return vision.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama', 'llamacpp' or 'saliency')", backend)
	}
}

// Config returns the configuration in use
func (s *Segmenter) Config() *config.Config {
	return s.cfg
}

// NewSession creates a session connected to the configured service.
// Options are applied after the configured ones.
func (s *Segmenter) NewSession(opts ...session.Option) *session.Session {
	base := []session.Option{
		session.WithLogger(s.logger),
		session.WithTimeout(s.cfg.Timeout()),
		session.WithViewport(s.cfg.Viewport.Width, s.cfg.Viewport.Height),
	}
	return session.New(s.dialer, append(base, opts...)...)
}

// LoadImage loads an image from a file path or an http(s) URL
func (s *Segmenter) LoadImage(source string) (image.Image, error) {
	return s.processor.LoadImageSmart(source)
}

// SaveImage saves an image using the configured output format
func (s *Segmenter) SaveImage(img image.Image, path string) error {
	return s.SaveImageAs(img, path, s.cfg.Output.Format)
}

// SaveImageAs saves an image in format with the configured quality
func (s *Segmenter) SaveImageAs(img image.Image, path, format string) error {
	out := s.cfg.Output
	return s.processor.SaveImage(img, path, format, out.Quality, out.Lossless)
}

// Overlay paints the mask over the target with the configured opacity
func (s *Segmenter) Overlay(target, mask image.Image) *image.NRGBA {
	return s.processor.ComposeOverlay(target, mask, s.cfg.Output.OverlayOpacity)
}

// Cutout keeps only the masked part of the target
func (s *Segmenter) Cutout(target, mask image.Image) *image.NRGBA {
	return s.processor.ApplyMask(target, mask)
}

// Preview renders the session's target the way it is displayed, with the
// on-screen selection outlined
func (s *Segmenter) Preview(sess *session.Session) (*image.NRGBA, error) {
	target := sess.Target()
	if target == nil {
		return nil, errors.New("no image loaded")
	}
	view := s.processor.RenderView(target, sess.Fit())
	return s.processor.DrawSelection(view, sess.DisplayRect(), color.NRGBA{R: 255, G: 64, B: 64, A: 255}), nil
}

// SuggestSelection asks the configured vision model for an initial selection.
// On any failure, including a disabled backend, the default selection is
// returned with the error.
func (s *Segmenter) SuggestSelection(ctx context.Context, img image.Image) (types.Selection, *types.AnalysisResult, error) {
	if s.suggester == nil {
		return geometry.DefaultSelection(), nil, ErrVisionDisabled
	}
	imgB64, err := s.processor.PrepareImageForModel(img, "jpg", s.cfg.Vision.MaxDim, 85)
	if err != nil {
		return geometry.DefaultSelection(), nil, fmt.Errorf("failed to prepare image for model: %w", err)
	}
	sel, result, err := s.suggester.Suggest(ctx, s.cfg.Vision.Model, imgB64)
	if err != nil {
		s.logger.Warn("selection suggestion failed", "model", s.cfg.Vision.Model, "error", err)
		return sel, nil, err
	}
	s.logger.Info("selection suggested",
		"label", result.Primary.Label,
		"confidence", result.Primary.Confidence,
		"selection", sel)
	return sel, result, nil
}

// SegmentImage runs a single exchange: it loads img into a new session,
// applies sel (the default selection when nil) and submits it.
func (s *Segmenter) SegmentImage(ctx context.Context, img image.Image, sel *types.Selection) (*session.Result, error) {
	sess := s.NewSession()
	defer sess.Close()

	if err := sess.Load(img); err != nil {
		return nil, err
	}
	if sel != nil {
		if err := sess.SetSelection(*sel); err != nil {
			return nil, err
		}
	}
	return sess.Submit(ctx)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
