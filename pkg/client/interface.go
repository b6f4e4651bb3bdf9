package client

import (
	"context"

	"github.com/menta2k/image-segmenter/pkg/types"
)

// VisionClient asks a vision model about an image
type VisionClient interface {
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
