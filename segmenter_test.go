package imagesegmenter

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-segmenter/internal/config"
	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/server"
	"github.com/menta2k/image-segmenter/pkg/session"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// createTestImage creates a gray image with a bright subject in the center
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func newTestSegmenter(t *testing.T, modify func(*config.Config)) *Segmenter {
	t.Helper()
	srv := httptest.NewServer(server.New("", nil).Handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Viewport.Width = 100
	cfg.Viewport.Height = 100
	if modify != nil {
		modify(cfg)
	}
	seg, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	return seg
}

func TestNew(t *testing.T) {
	seg := New()
	require.NotNil(t, seg)
	assert.Equal(t, config.Default(), seg.Config())
	assert.Equal(t, Version, GetVersion())
}

func TestNewWithConfig_Invalid(t *testing.T) {
	cfg := config.Default()
	cfg.Server.URL = "http://localhost:9000"
	_, err := NewWithConfig(cfg, nil)
	assert.Error(t, err)
}

func TestNewVisionClient(t *testing.T) {
	_, err := NewVisionClient("ollama", "")
	assert.NoError(t, err)
	_, err = NewVisionClient("llamacpp", "")
	assert.NoError(t, err)
	_, err = NewVisionClient("saliency", "")
	assert.NoError(t, err)
	_, err = NewVisionClient("openai", "")
	assert.Error(t, err)
}

func TestSegmentImage(t *testing.T) {
	seg := newTestSegmenter(t, nil)
	img := createTestImage(200, 100)

	res, err := seg.SegmentImage(context.Background(), img, nil)
	require.NoError(t, err)
	assert.Equal(t, geometry.DefaultSelection(), res.Selection)
	assert.Equal(t, types.Rect{Left: 50, Top: 25, Width: 100, Height: 50}, res.Rect)
	assert.Equal(t, image.Rect(0, 0, 200, 100), res.Mask.Bounds())

	gray := func(x, y int) uint8 {
		return color.GrayModel.Convert(res.Mask.At(x, y)).(color.Gray).Y
	}
	assert.Equal(t, uint8(255), gray(100, 50))
	assert.Equal(t, uint8(0), gray(10, 10))

	overlay := seg.Overlay(img, res.Mask)
	assert.Equal(t, img.Bounds(), overlay.Bounds())

	cutout := seg.Cutout(img, res.Mask)
	assert.Equal(t, uint8(0), cutout.NRGBAAt(10, 10).A)
	assert.Equal(t, uint8(255), cutout.NRGBAAt(100, 50).A)
}

func TestSegmentImage_CustomSelection(t *testing.T) {
	seg := newTestSegmenter(t, nil)
	sel := types.Selection{Left: 0, Top: 0, Width: 0.5, Height: 1}

	res, err := seg.SegmentImage(context.Background(), createTestImage(80, 40), &sel)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{Left: 0, Top: 0, Width: 40, Height: 40}, res.Rect)
}

func TestSegmentImage_ServiceDown(t *testing.T) {
	seg := newTestSegmenter(t, func(c *config.Config) {
		c.Server.URL = "ws://127.0.0.1:1"
	})

	_, err := seg.SegmentImage(context.Background(), createTestImage(10, 10), nil)
	require.Error(t, err)
	assert.Equal(t, session.KindTransport, session.KindOf(err))
}

func TestNewSession(t *testing.T) {
	seg := newTestSegmenter(t, nil)
	sess := seg.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Load(createTestImage(400, 200)))
	fit := sess.Fit()
	assert.Equal(t, 0.25, fit.Scale)
	assert.Equal(t, 25.0, fit.Y)
}

func TestPreview(t *testing.T) {
	seg := newTestSegmenter(t, nil)
	sess := seg.NewSession()
	defer sess.Close()

	_, err := seg.Preview(sess)
	assert.Error(t, err)

	require.NoError(t, sess.Load(createTestImage(400, 200)))
	preview, err := seg.Preview(sess)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 50), preview.Bounds())
	// display rect starts at (25, 12.5)
	assert.Equal(t, color.NRGBA{R: 255, G: 64, B: 64, A: 255}, preview.NRGBAAt(25, 30))
}

func TestSaveAndLoadImage(t *testing.T) {
	seg := newTestSegmenter(t, func(c *config.Config) { c.Output.Format = "png" })
	path := filepath.Join(t.TempDir(), "out.png")

	require.NoError(t, seg.SaveImage(createTestImage(30, 20), path))
	img, err := seg.LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
}

func TestSuggestSelection_Disabled(t *testing.T) {
	seg := newTestSegmenter(t, nil)
	sel, result, err := seg.SuggestSelection(context.Background(), createTestImage(10, 10))
	assert.ErrorIs(t, err, ErrVisionDisabled)
	assert.Nil(t, result)
	assert.Equal(t, geometry.DefaultSelection(), sel)
}

func TestSuggestSelection_LlamaCpp(t *testing.T) {
	vision := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"primary\":{\"label\":\"square\",\"confidence\":0.95,\"box\":{\"x\":0.3,\"y\":0.3,\"w\":0.4,\"h\":0.4}},\"description\":\"a white square\"}"}}]}`))
	}))
	defer vision.Close()

	seg := newTestSegmenter(t, func(c *config.Config) {
		c.Vision.Enabled = true
		c.Vision.Backend = "llamacpp"
		c.Vision.URL = vision.URL
	})

	sel, result, err := seg.SuggestSelection(context.Background(), createTestImage(60, 60))
	require.NoError(t, err)
	assert.Equal(t, "square", result.Primary.Label)
	assert.Equal(t, types.Selection{Left: 0.3, Top: 0.3, Width: 0.4, Height: 0.4}, sel)
}

func TestSuggestSelection_Saliency(t *testing.T) {
	seg := newTestSegmenter(t, func(c *config.Config) {
		c.Vision.Enabled = true
		c.Vision.Backend = "saliency"
		c.Vision.Model = ""
	})

	sel, result, err := seg.SuggestSelection(context.Background(), createTestImage(90, 90))
	require.NoError(t, err)
	assert.Equal(t, "salient region", result.Primary.Label)
	assert.InDelta(t, 1.0/3, sel.Left, 0.05)
	assert.InDelta(t, 1.0/3, sel.Width, 0.05)
}
