// Package detection suggests an initial selection by asking a vision model
// where the dominant subject of an image is.
package detection

import (
	"context"
	"strings"

	"github.com/menta2k/image-segmenter/pkg/client"
	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// DefaultPrompt is the default prompt for subject detection
const DefaultPrompt = `You are an image subject locator.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  },
  "description": "short neutral sentence (≤ 20 words)"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- The box should tightly include the visually dominant subject (prefer people/vehicles/animals; else the most central salient object).
- Description must be brief and factual. Do not guess real identities.
- If no subject is found, return:
  {"primary":{"label":"none","confidence":0.0,"box":{"x":0.25,"y":0.25,"w":0.50,"h":0.50}},"description":"no subject"}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// MinSide is the smallest normalized box side accepted from a model
const MinSide = 0.02

// Suggester turns vision model answers into selections
type Suggester struct {
	client client.VisionClient
	prompt string
}

// NewSuggester creates a suggester backed by a vision client
func NewSuggester(c client.VisionClient) *Suggester {
	return &Suggester{client: c, prompt: DefaultPrompt}
}

// WithPrompt replaces the prompt sent to the model
func (s *Suggester) WithPrompt(prompt string) *Suggester {
	s.prompt = prompt
	return s
}

// Suggest asks the model for the subject box of imgB64 and returns it as a
// selection clamped into the unit square. Unusable answers yield the default
// selection. Errors from the client are returned together with the default.
func (s *Suggester) Suggest(ctx context.Context, model, imgB64 string) (types.Selection, *types.AnalysisResult, error) {
	result, err := s.client.AnalyzeImage(ctx, model, s.prompt, imgB64)
	if err != nil {
		return geometry.DefaultSelection(), nil, err
	}
	return SelectionFor(result), result, nil
}

// SelectionFor converts an analysis result into a selection
func SelectionFor(result *types.AnalysisResult) types.Selection {
	if result == nil || strings.EqualFold(result.Primary.Label, "none") {
		return geometry.DefaultSelection()
	}

	box := result.Primary.Box
	// Some models answer in percent
	if box.X > 1 || box.Y > 1 || box.W > 1 || box.H > 1 {
		box = types.Box{X: box.X / 100, Y: box.Y / 100, W: box.W / 100, H: box.H / 100}
	}

	sel := geometry.ClampSelection(box.Selection())
	if sel.Width < MinSide || sel.Height < MinSide {
		return geometry.DefaultSelection()
	}
	return sel
}
