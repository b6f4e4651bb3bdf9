// Package vision locates the visually dominant region of an image with a
// saliency heuristic. It needs no model server and serves as the offline
// suggestion backend.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-segmenter/pkg/client"
	"github.com/menta2k/image-segmenter/pkg/processing"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// flatPeak is the saliency below which an image counts as featureless
const flatPeak = 1e-9

// SubjectDetector finds the salient region of an image
type SubjectDetector struct {
	config DetectionConfig
}

var _ client.VisionClient = (*SubjectDetector)(nil)

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	EdgeWeight     float64 // weight of local color differences
	ContrastWeight float64 // weight of distance from the mean brightness
	Threshold      float64 // fraction of the peak saliency a pixel needs to count
	Trim           float64 // fraction of salient pixels ignored on each side
	MaxDim         int     // images are shrunk to this long side before analysis
}

// New creates a new SubjectDetector with default configuration
func New() *SubjectDetector {
	return &SubjectDetector{
		config: DetectionConfig{
			EdgeWeight:     0.5,
			ContrastWeight: 0.5,
			Threshold:      0.4,
			Trim:           0.02,
			MaxDim:         256,
		},
	}
}

// NewWithConfig creates a new SubjectDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SubjectDetector {
	return &SubjectDetector{config: config}
}

// DetectSubject returns the normalized box around the salient pixels and a
// confidence in [0,1]. A flat image yields the centered half-size box with
// zero confidence.
func (d *SubjectDetector) DetectSubject(img image.Image) (types.Box, float64) {
	if d.config.MaxDim > 0 {
		img = imaging.Fit(img, d.config.MaxDim, d.config.MaxDim, imaging.Box)
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	fallback := types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}
	if width < 3 || height < 3 {
		return fallback, 0
	}

	saliency, peak, mean := d.saliencyMap(img)
	// rounding in the mean brightness leaves flat images with a tiny nonzero peak
	if peak < flatPeak {
		return fallback, 0
	}

	cut := d.config.Threshold * peak
	var xs, ys []int
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if saliency[y][x] >= cut {
				xs = append(xs, x)
				ys = append(ys, y)
			}
		}
	}
	if len(xs) == 0 {
		return fallback, 0
	}

	x0, x1 := trimmedRange(xs, d.config.Trim)
	y0, y1 := trimmedRange(ys, d.config.Trim)
	box := types.Box{
		X: float64(x0) / float64(width),
		Y: float64(y0) / float64(height),
		W: float64(x1-x0+1) / float64(width),
		H: float64(y1-y0+1) / float64(height),
	}

	// confidence grows with how much the region stands out
	confidence := math.Min(1, (peak-mean)/peak)
	return box, confidence
}

// AnalyzeImage decodes imgB64 and reports its salient region. The model and
// prompt are ignored.
func (d *SubjectDetector) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	img, err := processing.NewProcessor().DecodeImage(data)
	if err != nil {
		return nil, err
	}

	box, confidence := d.DetectSubject(img)
	label := "salient region"
	if confidence == 0 {
		label = "none"
	}
	return &types.AnalysisResult{
		Primary:     types.Primary{Label: label, Confidence: confidence, Box: box},
		Description: fmt.Sprintf("saliency peak covers %.0f%% of the image", 100*box.W*box.H),
	}, nil
}

// saliencyMap combines edge strength and brightness contrast per pixel
func (d *SubjectDetector) saliencyMap(img image.Image) (saliency [][]float64, peak, mean float64) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	brightness := make([][]float64, height)
	var total float64
	for y := 0; y < height; y++ {
		brightness[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			brightness[y][x] = (float64(r) + float64(g) + float64(b)) / (3.0 * 65535.0)
			total += brightness[y][x]
		}
	}
	avg := total / float64(width*height)

	neighbors := [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	saliency = make([][]float64, height)
	var sum float64
	for y := 0; y < height; y++ {
		saliency[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			var edge float64
			n := 0
			for _, off := range neighbors {
				nx, ny := x+off[0], y+off[1]
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				edge += math.Abs(brightness[y][x] - brightness[ny][nx])
				n++
			}
			edge /= float64(n)

			s := d.config.EdgeWeight*edge + d.config.ContrastWeight*math.Abs(brightness[y][x]-avg)
			saliency[y][x] = s
			sum += s
			peak = math.Max(peak, s)
		}
	}
	return saliency, peak, sum / float64(width*height)
}

// trimmedRange returns the min and max of v ignoring the trim fraction at both ends
func trimmedRange(v []int, trim float64) (int, int) {
	slices.Sort(v)
	k := int(trim * float64(len(v)))
	return v[k], v[len(v)-1-k]
}
